package backstore

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

func TestSubmitSettlesAfterLatencyPolls(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/laundry", 2)
	o := oid.Make(1, 2)

	if err := s.Submit(o, []byte("dirty page")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for i := 0; i < 2; i++ {
		done, err := s.Poll(o)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if done {
			t.Fatalf("expected Poll to report pending before latency elapses, iteration %d", i)
		}
	}

	done, err := s.Poll(o)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !done {
		t.Fatalf("expected write-back to settle after latency polls")
	}

	data, err := s.Read(o)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "dirty page" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestPollOfUnsubmittedOIDIsSettled(t *testing.T) {
	s := New(nil, "/laundry", 3)
	done, err := s.Poll(oid.Make(9, 9))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !done {
		t.Fatalf("expected an OID with no pending write to report settled")
	}
}

func TestResubmitResetsCountdown(t *testing.T) {
	s := New(nil, "/laundry", 1)
	o := oid.Make(3, 4)

	if err := s.Submit(o, []byte("v1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Poll(o)
	done, _ := s.Poll(o)
	if !done {
		t.Fatalf("expected settle on the second poll at latency 1")
	}

	if err := s.Submit(o, []byte("v2")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done, _ = s.Poll(o)
	if done {
		t.Fatalf("expected resubmission to reset the countdown")
	}
}
