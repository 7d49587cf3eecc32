package intervention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"researchcore/internal/blocker"
	"researchcore/internal/session"
)

func newTestBroker(t *testing.T) (*Broker, *session.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := session.NewRegistry()
	return NewBroker(filepath.Join(dir, "captcha_queue.json"), reg), reg
}

func TestRequestIntervention_PausesSession(t *testing.T) {
	b, reg := newTestBroker(t)
	reg.Register("s1", "user1")

	iv, err := b.RequestIntervention(blocker.TypeCaptchaGeneric, "https://example.com/sorry/", "", "s1", nil)
	if err != nil {
		t.Fatalf("RequestIntervention failed: %v", err)
	}
	if iv.InterventionID == "" {
		t.Fatal("expected a generated intervention id")
	}

	rec, ok := reg.Get("s1")
	if !ok || rec.Status != session.StatusPaused || rec.InterventionID != iv.InterventionID {
		t.Errorf("expected session paused with intervention id, got %+v", rec)
	}

	data, err := os.ReadFile(b.queuePath)
	if err != nil {
		t.Fatalf("expected queue file to exist: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty queue file")
	}
}

func TestListPending_ReflectsUnresolved(t *testing.T) {
	b, _ := newTestBroker(t)
	iv, _ := b.RequestIntervention(blocker.TypeRecaptcha, "https://example.com", "", "s1", nil)

	pending := b.ListPending()
	if len(pending) != 1 || pending[0].InterventionID != iv.InterventionID {
		t.Errorf("expected 1 pending intervention, got %+v", pending)
	}

	resolved, err := b.Resolve(iv.InterventionID, true, "")
	if err != nil || !resolved {
		t.Fatalf("expected resolve to succeed: resolved=%v err=%v", resolved, err)
	}

	if got := b.ListPending(); len(got) != 0 {
		t.Errorf("expected no pending interventions after resolve, got %+v", got)
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	iv, _ := b.RequestIntervention(blocker.TypeCaptchaGeneric, "https://example.com", "", "s1", nil)

	first, err := b.Resolve(iv.InterventionID, true, "")
	if err != nil || !first {
		t.Fatalf("expected first resolve to succeed")
	}

	second, err := b.Resolve(iv.InterventionID, true, "")
	if err != nil {
		t.Fatalf("unexpected error on second resolve: %v", err)
	}
	if second {
		t.Error("expected second resolve of an already-resolved intervention to be a no-op")
	}
}

func TestResolve_UnknownIDReturnsFalse(t *testing.T) {
	b, _ := newTestBroker(t)
	ok, err := b.Resolve("does-not-exist", true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected resolving an unknown id to return false")
	}
}

func TestWaitForResolution_SucceedsOnResolve(t *testing.T) {
	b, _ := newTestBroker(t)
	iv, _ := b.RequestIntervention(blocker.TypeCaptchaGeneric, "https://example.com", "", "s1", nil)

	done := make(chan bool, 1)
	go func() {
		done <- b.WaitForResolution(iv.InterventionID, 2*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := b.Resolve(iv.InterventionID, true, ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	select {
	case result := <-done:
		if !result {
			t.Error("expected WaitForResolution to report success")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForResolution did not return in time")
	}
}

func TestWaitForResolution_TimesOut(t *testing.T) {
	b, _ := newTestBroker(t)
	iv, _ := b.RequestIntervention(blocker.TypeCaptchaGeneric, "https://example.com", "", "s1", nil)

	start := time.Now()
	result := b.WaitForResolution(iv.InterventionID, 50*time.Millisecond)
	if result {
		t.Error("expected timeout to report false")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("expected WaitForResolution to actually wait out the timeout")
	}
}
