package casclient

import "testing"

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CAS_ENDPOINT", "cas.example.com:443")
	t.Setenv("CA_CERT_PATH", "/etc/ssl/ca.pem")
	t.Setenv("INSTANCE_NAME", "my-instance")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	want := Config{CASEndpoint: "cas.example.com:443", CACertPath: "/etc/ssl/ca.pem", InstanceName: "my-instance"}
	if cfg != want {
		t.Errorf("ConfigFromEnv = %+v, want %+v", cfg, want)
	}
}

func TestConfigFromEnvDefaultInstance(t *testing.T) {
	t.Setenv("CAS_ENDPOINT", "cas.example.com:443")
	t.Setenv("CA_CERT_PATH", "/etc/ssl/ca.pem")
	t.Setenv("INSTANCE_NAME", "")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.InstanceName != "" {
		t.Errorf("InstanceName = %q, want empty", cfg.InstanceName)
	}
}

func TestConfigFromEnvMissingEndpoint(t *testing.T) {
	t.Setenv("CAS_ENDPOINT", "")
	t.Setenv("CA_CERT_PATH", "/etc/ssl/ca.pem")

	if _, err := ConfigFromEnv(); err == nil {
		t.Error("ConfigFromEnv() = nil error, want error for missing CAS_ENDPOINT")
	}
}

func TestConfigFromEnvMissingCACert(t *testing.T) {
	t.Setenv("CAS_ENDPOINT", "cas.example.com:443")
	t.Setenv("CA_CERT_PATH", "")

	if _, err := ConfigFromEnv(); err == nil {
		t.Error("ConfigFromEnv() = nil error, want error for missing CA_CERT_PATH")
	}
}
