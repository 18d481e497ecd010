package proxy

import (
	"net"
	"testing"
)

func trackedPipe(t *testing.T, r *Registry) *Session {
	t.Helper()
	near, far := net.Pipe()
	t.Cleanup(func() {
		near.Close()
		far.Close()
	})
	return r.Track(far)
}

func TestRegistryFoldsFinishedSessionsIntoTotals(t *testing.T) {
	r := NewRegistry()

	first := trackedPipe(t, r)
	first.Classified("N754", false)
	first.Routed("modern.example:25565")
	first.upload.Add(100)
	first.download.Add(400)

	second := trackedPipe(t, r)
	second.Classified("N754", false)
	second.Routed("modern.example:25565")
	second.upload.Add(50)
	second.download.Add(25)

	if r.Len() != 2 {
		t.Fatalf("live sessions = %d, want 2", r.Len())
	}

	r.Release(first)
	r.Release(second)

	if r.Len() != 0 {
		t.Fatalf("live sessions = %d after release, want 0", r.Len())
	}

	totals := r.Totals()
	if len(totals) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(totals))
	}
	modern := totals["N754"]
	if modern.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", modern.Sessions)
	}
	if modern.UploadBytes != 150 || modern.DownloadBytes != 425 {
		t.Errorf("bytes = %d up / %d down", modern.UploadBytes, modern.DownloadBytes)
	}
	if modern.Backend != "modern.example:25565" {
		t.Errorf("backend = %q", modern.Backend)
	}
}

func TestRegistryIgnoresUnclassifiedSessions(t *testing.T) {
	r := NewRegistry()

	// A client that never completed a handshake has no tag to charge.
	sess := trackedPipe(t, r)
	r.Release(sess)

	if len(r.Totals()) != 0 {
		t.Error("unclassified session must leave no totals")
	}
}

func TestRegistryActiveSnapshotsPipelineState(t *testing.T) {
	r := NewRegistry()

	sess := trackedPipe(t, r)
	sess.Classified("P17", true)
	sess.Routed("legacy.example:25565")
	sess.upload.Add(7)

	active := r.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	info := active[0]
	if info.Tag != "P17" || info.Backend != "legacy.example:25565" {
		t.Errorf("snapshot = %+v", info)
	}
	if !info.Suppressed {
		t.Error("expected suppressed handshake flag in snapshot")
	}
	if info.Upload != 7 {
		t.Errorf("upload = %d, want 7", info.Upload)
	}
}

func TestRegistryResetTotalsKeepsLiveSessions(t *testing.T) {
	r := NewRegistry()

	done := trackedPipe(t, r)
	done.Classified("P78", false)
	r.Release(done)

	live := trackedPipe(t, r)
	live.Classified("N754", false)

	r.ResetTotals()

	if len(r.Totals()) != 0 {
		t.Error("expected totals cleared")
	}
	if r.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", r.Len())
	}
}
