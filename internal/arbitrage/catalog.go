package arbitrage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// catalogFile is the on-disk market list.
//
//	markets:
//	  - id: btc-updown-15m-1760000000
//	    up_token: "7132..."
//	    down_token: "9981..."
//	    expiry: 2026-10-16T12:15:00Z
type catalogFile struct {
	Markets []struct {
		ID        string    `yaml:"id"`
		Slug      string    `yaml:"slug"`
		UpToken   string    `yaml:"up_token"`
		DownToken string    `yaml:"down_token"`
		Expiry    time.Time `yaml:"expiry"`
	} `yaml:"markets"`
}

// LoadCatalog reads the YAML market list at path. Entries without an ID,
// without both tokens, with identical tokens or without an expiry are
// rejected.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("arbitrage: read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("arbitrage: parse catalog %s: %w", path, err)
	}

	c := NewCatalog()
	for i, e := range f.Markets {
		m := domain.Market{ID: e.ID, Slug: e.Slug, UpToken: e.UpToken, DownToken: e.DownToken, Expiry: e.Expiry}
		if err := c.Register(m); err != nil {
			return nil, fmt.Errorf("arbitrage: catalog entry %d: %w", i, err)
		}
	}
	return c, nil
}

// Catalog holds the traded markets, indexed by ID and by token.
type Catalog struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
	byToken map[string]string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		markets: make(map[string]domain.Market),
		byToken: make(map[string]string),
	}
}

// Register adds a market. A token may belong to one market only.
func (c *Catalog) Register(m domain.Market) error {
	switch {
	case m.ID == "":
		return errors.New("market id is required")
	case m.UpToken == "" || m.DownToken == "":
		return fmt.Errorf("market %s needs both tokens", m.ID)
	case m.UpToken == m.DownToken:
		return fmt.Errorf("market %s tokens are identical", m.ID)
	case m.Expiry.IsZero():
		return fmt.Errorf("market %s has no expiry", m.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	for _, tok := range m.Tokens() {
		if owner, ok := c.byToken[tok]; ok {
			return fmt.Errorf("token %s of market %s already in market %s: %w", tok, m.ID, owner, domain.ErrAlreadyExists)
		}
	}
	c.markets[m.ID] = m
	for _, tok := range m.Tokens() {
		c.byToken[tok] = m.ID
	}
	return nil
}

// Get returns the market by ID.
func (c *Catalog) Get(id string) (domain.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[id]
	return m, ok
}

// ByToken returns the market a token belongs to.
func (c *Catalog) ByToken(tokenID string) (domain.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byToken[tokenID]
	if !ok {
		return domain.Market{}, false
	}
	return c.markets[id], true
}

// Markets returns all markets sorted by ID.
func (c *Catalog) Markets() []domain.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tokens returns every token of every market.
func (c *Catalog) Tokens() []string {
	markets := c.Markets()
	out := make([]string, 0, 2*len(markets))
	for _, m := range markets {
		out = append(out, m.UpToken, m.DownToken)
	}
	return out
}
