package arbitrage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `
markets:
  - id: btc-15m
    up_token: "111"
    down_token: "222"
    expiry: 2030-01-01T00:15:00Z
  - id: eth-15m
    up_token: "333"
    down_token: "444"
    expiry: 2030-01-01T00:15:00Z
`)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := c.ByToken("444")
	if !ok || m.ID != "eth-15m" || m.Expiry.Year() != 2030 {
		t.Fatalf("ByToken = %+v, %v", m, ok)
	}
	if got := c.Tokens(); len(got) != 4 || got[0] != "111" {
		t.Fatalf("Tokens = %v", got)
	}
}

func TestLoadCatalogRejectsIncompleteEntries(t *testing.T) {
	bodies := map[string]string{
		"missing token": `
markets:
  - id: a
    up_token: "1"
    expiry: 2030-01-01T00:00:00Z
`,
		"missing expiry": `
markets:
  - id: a
    up_token: "1"
    down_token: "2"
`,
		"same token twice": `
markets:
  - id: a
    up_token: "1"
    down_token: "1"
    expiry: 2030-01-01T00:00:00Z
`,
	}
	for name, body := range bodies {
		if _, err := LoadCatalog(writeCatalog(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCatalogRejectsSharedToken(t *testing.T) {
	c := NewCatalog()
	exp := time.Now().Add(time.Hour)
	if err := c.Register(domain.Market{ID: "a", UpToken: "1", DownToken: "2", Expiry: exp}); err != nil {
		t.Fatal(err)
	}
	err := c.Register(domain.Market{ID: "b", UpToken: "2", DownToken: "3", Expiry: exp})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("err = %v", err)
	}
}
