package model

import "testing"

func TestParseAppStateRecognized(t *testing.T) {
	cases := map[string]AppState{
		"started":  AppStarted,
		"starting": AppStarting,
		"stopping": AppStopping,
		"stopped":  AppStopped,
		"Started":  AppStarted,
	}
	for in, want := range cases {
		got, ok := ParseAppState(in)
		if !ok || got != want {
			t.Fatalf("ParseAppState(%q) = %s,%v want %s", in, got, ok, want)
		}
		again, _ := ParseAppState(in)
		if again != got {
			t.Fatalf("mapping not deterministic for %q", in)
		}
	}
}

func TestParseAppStateUnrecognized(t *testing.T) {
	for _, in := range []string{"", "crashed", "unknown", "STARTED!"} {
		got, ok := ParseAppState(in)
		if ok || got != AppUnknown {
			t.Fatalf("ParseAppState(%q) = %s,%v want UNKNOWN,false", in, got, ok)
		}
	}
}

func TestRemoteStatusRoundTrip(t *testing.T) {
	for _, st := range []AppState{AppStarted, AppStarting, AppStopping, AppStopped} {
		back, ok := ParseAppState(st.RemoteStatus())
		if !ok || back != st {
			t.Fatalf("round trip failed for %s", st)
		}
	}
	if AppUnknown.RemoteStatus() != "" {
		t.Fatal("UNKNOWN has no wire value")
	}
}

func TestParseStartMode(t *testing.T) {
	if m, ok := ParseStartMode("debug"); !ok || !m.IsDebug() {
		t.Fatalf("expected debug mode, got %s", m)
	}
	if m, ok := ParseStartMode("debug-no-init"); !ok || m != StartDebugNoInit {
		t.Fatalf("expected debugNoInit, got %s", m)
	}
	if _, ok := ParseStartMode("profile"); ok {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestParseBuildStatus(t *testing.T) {
	if ParseBuildStatus("inProgress") != BuildInProgress {
		t.Fatal("expected IN_PROGRESS")
	}
	if ParseBuildStatus("weird") != BuildUnknown {
		t.Fatal("expected UNKNOWN")
	}
}
