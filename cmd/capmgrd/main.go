// Command capmgrd is the manager's entry point (spec.md §5, §6): it loads
// configuration, opens the configured console driver, wires every manager
// together in the established dependency order, and blocks serving RPC
// dispatches. It does not decode a boot handoff block: the zone arena size
// comes from --memory or, failing that, defaultDonationPages.
//
// No example repo in the pack ships a main package of its own (the teacher
// and its siblings are consumed as libraries by a separate, unseen daemon
// binary), so there is no third-party CLI-flags precedent to adopt here;
// capmgrd's own flags are parsed with the standard library's flag package.
package main

import (
	"flag"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/activity"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/backstore"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/captab"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/config"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/console"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/futex"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/kthread"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/laundrywatch"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/pager"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/pidfile"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/server"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/thread"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/zone"
)

// rootActivity is the OID the boot path pre-seeds the top of the activity
// hierarchy at (spec.md §4.4 "the initial activity predates any folio it
// could have been carved from").
var rootActivity = oid.Make(0, 0)

func main() {
	var (
		configPath = flag.String("config", "", "path to capmgrd.toml (overrides the built-in candidate list)")
		output     = flag.String("output", "", "console driver: serial or vga (overrides config)")
		memKiB     = flag.Int64("memory", 0, "bytes of host memory to donate to the zone allocator (0: built-in default)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("capmgrd: failed to load configuration")
	}
	if *debug || cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	lock, err := pidfile.Acquire("capmgrd", cfg.PidFile)
	if err != nil {
		log.WithError(err).Fatal("capmgrd: another instance appears to be running")
	}
	defer lock.Release()

	driverName := cfg.Console.Driver
	if *output != "" {
		driverName = *output
	}
	con, err := console.New(driverName)
	if err != nil {
		log.WithError(err).Fatal("capmgrd: unknown console driver")
	}
	if err := con.Init(); err != nil {
		log.WithError(err).Fatal("capmgrd: console init failed")
	}
	defer con.Deinit()

	donation := *memKiB
	if donation <= 0 {
		donation = int64(defaultDonationPages) * zone.PageSize
	}

	srv, err := wire(cfg, con, donation, log)
	if err != nil {
		log.WithError(err).Fatal("capmgrd: failed to wire manager")
	}

	log.WithFields(logrus.Fields{
		"console": driverName,
		"pidfile": cfg.PidFile,
	}).Info("capmgrd: up, serving RPC dispatch")

	serve(srv, log)
}

// defaultDonationPages is the zone arena size capmgrd donates when --memory
// is not given a positive value; large enough to run
// the conformance suite's folio/object churn without invoking the pager's
// eviction path on every allocation.
const defaultDonationPages = 4096

func loadConfig(explicitPath string) (config.Config, error) {
	if explicitPath == "" {
		return config.Load()
	}
	return config.LoadFrom([]string{explicitPath})
}

// wire constructs every manager in the established dependency order: zone,
// store, activity, folio, thread, messenger, captab, futex, pager,
// backstore, laundrywatch, and finally the dispatch server sitting on top of
// all of them.
func wire(cfg config.Config, con console.Driver, donationBytes int64, log *logrus.Entry) (*server.Server, error) {
	z := zone.New(log.WithField("component", "zone"))
	if err := z.Donate(int(donationBytes)); err != nil {
		return nil, errors.Wrap(err, "capmgrd: zone donation failed")
	}

	s := store.New(z, log.WithField("component", "store"))

	am := activity.New(s, rootActivity, log.WithField("component", "activity"))
	s.RegisterInitializer(store.TypeActivity, am)
	s.RegisterDestroyer(store.TypeActivity, am)

	rootDesc, err := s.ObjectFind(rootActivity, nil, store.Policy{}, bootstrapResolver{})
	if err != nil {
		return nil, errors.Wrap(err, "capmgrd: failed to materialize the root activity")
	}
	am.Init(rootDesc, store.Policy{})

	fm := folio.New(s, am, nil, nil, log.WithField("component", "folio"))

	mon := kthread.NewMonitor()
	tm := thread.New(mon, log.WithField("component", "thread"))
	s.RegisterInitializer(store.TypeThread, tm)
	s.RegisterDestroyer(store.TypeThread, tm)

	mm := messenger.New(s, fm, tm, log.WithField("component", "messenger"))
	s.RegisterInitializer(store.TypeMessenger, mm)
	s.RegisterDestroyer(store.TypeMessenger, mm)

	cm := captab.New(s, fm, am, mm, log.WithField("component", "captab"))
	s.RegisterInitializer(store.TypeCappage, cm)
	fm.Shoot = cm
	fm.Waiters = mm

	fx := futex.New(s, mm, log.WithField("component", "futex"))
	memoryTotal := cfg.Pager.MemoryTotal
	if memoryTotal <= 0 {
		memoryTotal = donationBytes / zone.PageSize
	}
	pg := pager.New(s, fm, am, mm, cm, memoryTotal, log.WithField("component", "pager"))

	var fs afero.Fs = afero.NewOsFs()
	if cfg.Laundry.DataRoot == "" {
		fs = afero.NewMemMapFs()
	} else if err := fs.MkdirAll(cfg.Laundry.DataRoot, 0700); err != nil {
		return nil, errors.Wrap(err, "capmgrd: failed to create laundry data root")
	}
	back := backstore.New(fs, cfg.Laundry.DataRoot, cfg.Laundry.Latency)
	lw := laundrywatch.New(s, am, back, rootActivity, log.WithField("component", "laundrywatch"))

	return server.New(s, fm, am, tm, mm, cm, fx, pg, lw, con, rootActivity, log.WithField("component", "server")), nil
}

// bootstrapResolver answers object_find's cache-miss question for the one
// OID the boot path invents out of thin air: the root activity, which
// predates any folio it could have been carved from and so has no folio
// slot metadata to resolve against (mirrors internal/activity's own test
// bootstrap and internal/server's test harness).
type bootstrapResolver struct{}

func (bootstrapResolver) ResolveSlot(o oid.OID) (store.SlotInfo, bool) {
	return store.SlotInfo{Type: store.TypeActivity}, true
}

// serve blocks forever, quiescently idling between RPCs the way a real
// kernel entry point would park a thread rather than spin. Nothing in this
// reimplementation produces actual wire traffic to dispatch (spec.md §1
// treats the transport carrying messages in from client threads as an
// external collaborator), so this is the permanent placeholder a future
// transport binds Server.Dispatch to.
func serve(srv *server.Server, log *logrus.Entry) {
	select {}
}
