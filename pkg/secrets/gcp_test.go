package secrets

import "testing"

func TestVersionName(t *testing.T) {
	got := VersionName("trading-prod", DefaultSecretNames().APIJWTSecret)
	want := "projects/trading-prod/secrets/coveredcall-api-jwt-secret/versions/latest"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}
