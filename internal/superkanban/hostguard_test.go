package superkanban

import "testing"

func TestValidateBaseURLHost_BlocksLocalhost(t *testing.T) {
	if err := ValidateBaseURLHost("http://localhost:4000/api", false); err == nil {
		t.Fatal("expected localhost to be blocked")
	}
}

func TestValidateBaseURLHost_BlocksMetadataService(t *testing.T) {
	if err := ValidateBaseURLHost("http://metadata.google.internal/latest", false); err == nil {
		t.Fatal("expected metadata.google.internal to be blocked")
	}
}

func TestValidateBaseURLHost_BlocksInternalSuffix(t *testing.T) {
	if err := ValidateBaseURLHost("https://sk.corp.internal/api", false); err == nil {
		t.Fatal("expected .internal suffix to be blocked")
	}
}

func TestValidateBaseURLHost_AllowsPublicHost(t *testing.T) {
	if err := ValidateBaseURLHost("https://sk.example.com/api", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateBaseURLHost_BypassAllowsBlockedHost(t *testing.T) {
	if err := ValidateBaseURLHost("http://localhost:4000/api", true); err != nil {
		t.Fatalf("unexpected error with bypass set: %v", err)
	}
}
