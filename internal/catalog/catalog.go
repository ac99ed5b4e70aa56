// Package catalog holds the immutable set of promotions a merchant may
// activate. A Catalog is built once at startup and injected into every
// component that needs it.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/pkg/validator"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type entry struct {
	Key          string `yaml:"key" validate:"required,slug"`
	DisplayName  string `yaml:"display_name" validate:"required,max=100"`
	Description  string `yaml:"description" validate:"max=500"`
	Path         string `yaml:"path" validate:"required,startsnotwith=/,endsnotwith=/,excludesall=?# "`
	CronSchedule string `yaml:"cron_schedule" validate:"required,cron"`
}

type document struct {
	Promotions []entry `yaml:"promotions"`
}

// Catalog is safe for concurrent use; nothing mutates it after New.
type Catalog struct {
	baseURL    string
	promotions map[domain.PromotionKey]domain.Promotion
	ordered    []domain.Promotion
}

// New validates promotions and builds a catalog whose callback URLs are
// rooted at baseURL.
func New(baseURL string, promotions []domain.Promotion) (*Catalog, error) {
	if len(promotions) == 0 {
		return nil, errors.New("catalog: no promotions")
	}

	c := &Catalog{
		baseURL:    strings.TrimRight(baseURL, "/"),
		promotions: make(map[domain.PromotionKey]domain.Promotion, len(promotions)),
	}
	for _, p := range promotions {
		if err := validator.Validate(entry{
			Key:          string(p.Key),
			DisplayName:  p.DisplayName,
			Description:  p.Description,
			Path:         p.Path,
			CronSchedule: p.CronSchedule,
		}); err != nil {
			return nil, fmt.Errorf("catalog: promotion %q: %w", p.Key, err)
		}
		if _, dup := c.promotions[p.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate promotion %q", p.Key)
		}
		c.promotions[p.Key] = p
		c.ordered = append(c.ordered, p)
	}

	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Key < c.ordered[j].Key })
	return c, nil
}

// Parse builds a catalog from a YAML document.
func Parse(data []byte, baseURL string) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}

	promotions := make([]domain.Promotion, 0, len(doc.Promotions))
	for _, e := range doc.Promotions {
		promotions = append(promotions, domain.Promotion{
			Key:          domain.PromotionKey(e.Key),
			DisplayName:  e.DisplayName,
			Description:  e.Description,
			Path:         e.Path,
			CronSchedule: e.CronSchedule,
		})
	}
	return New(baseURL, promotions)
}

// Load reads the catalog at path, or the built-in catalog when path is empty.
func Load(path, baseURL string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog, baseURL)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data, baseURL)
}

// Default returns the built-in catalog.
func Default(baseURL string) (*Catalog, error) {
	return Parse(defaultCatalog, baseURL)
}

// Resolve looks a promotion up by any accepted spelling of its key.
func (c *Catalog) Resolve(name string) (domain.Promotion, error) {
	key, err := domain.ParsePromotionKey(name)
	if err != nil {
		return domain.Promotion{}, domain.UnknownPromotion(name)
	}
	p, ok := c.promotions[key]
	if !ok {
		return domain.Promotion{}, domain.UnknownPromotion(name)
	}
	return p, nil
}

// Contains reports whether key is a catalog promotion.
func (c *Catalog) Contains(key domain.PromotionKey) bool {
	_, ok := c.promotions[key]
	return ok
}

// All returns every promotion sorted by key. The slice is a copy.
func (c *Catalog) All() []domain.Promotion {
	out := make([]domain.Promotion, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// CallbackURL is the endpoint the scheduler calls for p and merchantID.
func (c *Catalog) CallbackURL(p domain.Promotion, merchantID string) string {
	return c.baseURL + "/" + p.Path + "/" + merchantID
}

// ResolveJobID splits a scheduler job id into its promotion key and merchant
// id. Keys contain hyphens, so the longest matching catalog key wins.
func (c *Catalog) ResolveJobID(jobID string) (domain.PromotionKey, string, bool) {
	var (
		best     domain.PromotionKey
		merchant string
	)
	for key := range c.promotions {
		prefix := string(key) + "-"
		if !strings.HasPrefix(jobID, prefix) || len(key) <= len(best) {
			continue
		}
		rest := jobID[len(prefix):]
		if validator.Var("merchant_id", rest, "merchant_id") != nil {
			continue
		}
		best, merchant = key, rest
	}
	return best, merchant, best != ""
}
