package nodeconf

import "testing"

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = "not-an-address"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for malformed listen addr")
	}
}

func TestValidateSkipsListenAddrInLightMode(t *testing.T) {
	cfg := Default()
	cfg.Light = true
	cfg.ListenAddr = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("light-mode config with no listen addr should validate: %v", err)
	}
}

func TestValidateRejectsBadDifficulty(t *testing.T) {
	cfg := Default()
	cfg.Difficulty = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero difficulty")
	}
}

func TestValidateRejectsBadLifetimeCalibration(t *testing.T) {
	cfg := Default()
	cfg.Lifetime.C1 = 30
	cfg.Lifetime.C2 = 20
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error when C2 <= C1")
	}
}

func TestNormalizePeersDedupsAndSplits(t *testing.T) {
	got := NormalizePeers("a:1,b:2", "b:2", " c:3 ")
	want := []string{"a:1", "b:2", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestValidateRejectsPeerWithoutHost(t *testing.T) {
	cfg := Default()
	cfg.InitialPeers = []string{":9735"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for a host-less peer address")
	}
}

func TestValidateRejectsPeerWithBadPort(t *testing.T) {
	for _, addr := range []string{"203.0.113.5:notaport", "203.0.113.5:70000"} {
		cfg := Default()
		cfg.InitialPeers = []string{addr}
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected validation error for peer %q", addr)
		}
	}
}

func TestValidateAllowsHostlessListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ":9735"
	if err := Validate(cfg); err != nil {
		t.Fatalf("a host-less listen addr binds all interfaces and should validate: %v", err)
	}
}
