package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoflow/promoflow/internal/domain"
)

const testBaseURL = "https://promo.example.com/api/"

func builtin(t *testing.T) *Catalog {
	t.Helper()
	c, err := Default(testBaseURL)
	require.NoError(t, err)
	return c
}

func TestDefault_HasSixPromotionsSortedByKey(t *testing.T) {
	all := builtin(t).All()
	keys := make([]domain.PromotionKey, 0, len(all))
	for _, p := range all {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []domain.PromotionKey{
		"birthday", "happy-hour", "know-your-customer",
		"personalized-recommendation", "social-media-posts", "weather-recommendation",
	}, keys)
}

func TestDefault_Schedules(t *testing.T) {
	c := builtin(t)
	want := map[string]string{
		"happy-hour":                  "0 9 * * 1",
		"birthday":                    "0 8 * * *",
		"social-media-posts":          "0 10 * * 1,4",
		"know-your-customer":          "0 11 1 * *",
		"personalized-recommendation": "0 12 * * 5",
		"weather-recommendation":      "0 7 * * *",
	}
	for key, cron := range want {
		p, err := c.Resolve(key)
		require.NoError(t, err, key)
		assert.Equal(t, cron, p.CronSchedule, key)
	}
}

func TestResolve_AcceptsStoredAndDisplayForms(t *testing.T) {
	c := builtin(t)
	for _, name := range []string{"happy-hour", "happy hour", "Happy Hour", "HAPPY-HOUR"} {
		p, err := c.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, domain.PromotionKey("happy-hour"), p.Key)
		assert.Equal(t, "Happy Hour", p.DisplayName)
	}
}

func TestResolve_Unknown(t *testing.T) {
	c := builtin(t)
	for _, name := range []string{"free-lunch", "", "happy/hour"} {
		_, err := c.Resolve(name)
		assert.ErrorIs(t, err, domain.ErrUnknownPromotion, name)
	}
}

func TestCallbackURL(t *testing.T) {
	c := builtin(t)
	p, _ := c.Resolve("weather-recommendation")
	assert.Equal(t, "https://promo.example.com/api/recommendations/weather/42", c.CallbackURL(p, "42"))
}

func TestResolveJobID(t *testing.T) {
	promos := []domain.Promotion{
		{Key: "social", DisplayName: "Social", Path: "p/social", CronSchedule: "0 1 * * *"},
		{Key: "social-media-posts", DisplayName: "Social Media Posts", Path: "p/smp", CronSchedule: "0 1 * * *"},
	}
	c, err := New(testBaseURL, promos)
	require.NoError(t, err)

	key, merchant, ok := c.ResolveJobID("social-media-posts-42")
	require.True(t, ok)
	assert.Equal(t, domain.PromotionKey("social-media-posts"), key)
	assert.Equal(t, "42", merchant)

	key, merchant, ok = c.ResolveJobID("social-m_1")
	require.True(t, ok)
	assert.Equal(t, domain.PromotionKey("social"), key)
	assert.Equal(t, "m_1", merchant)

	_, _, ok = c.ResolveJobID("unrelated-job-1")
	assert.False(t, ok)
	_, _, ok = c.ResolveJobID("social-")
	assert.False(t, ok)
}

func TestResolveJobID_RoundTripsJobID(t *testing.T) {
	c := builtin(t)
	for _, p := range c.All() {
		key, merchant, ok := c.ResolveJobID(domain.JobID(p.Key, "merchant_9"))
		require.True(t, ok, p.Key)
		assert.Equal(t, p.Key, key)
		assert.Equal(t, "merchant_9", merchant)
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	c := builtin(t)
	all := c.All()
	all[0].DisplayName = "mutated"
	assert.NotEqual(t, "mutated", c.All()[0].DisplayName)
}

func TestNew_Rejects(t *testing.T) {
	valid := domain.Promotion{Key: "birthday", DisplayName: "Birthday", Path: "promotions/birthday", CronSchedule: "0 8 * * *"}

	tests := []struct {
		name   string
		mutate func(p *domain.Promotion)
	}{
		{"bad key", func(p *domain.Promotion) { p.Key = "Birthday Party" }},
		{"missing display name", func(p *domain.Promotion) { p.DisplayName = "" }},
		{"empty path", func(p *domain.Promotion) { p.Path = "" }},
		{"leading slash", func(p *domain.Promotion) { p.Path = "/promotions/birthday" }},
		{"bad cron", func(p *domain.Promotion) { p.CronSchedule = "every day" }},
		{"six field cron", func(p *domain.Promotion) { p.CronSchedule = "0 0 8 * * *" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := New(testBaseURL, []domain.Promotion{p})
			assert.Error(t, err)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		_, err := New(testBaseURL, []domain.Promotion{valid, valid})
		assert.ErrorContains(t, err, "duplicate")
	})
	t.Run("empty", func(t *testing.T) {
		_, err := New(testBaseURL, nil)
		assert.Error(t, err)
	})
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
promotions:
  - key: flash-sale
    display_name: Flash Sale
    path: promotions/flash
    cron_schedule: "*/30 * * * *"
`), 0o600))

	c, err := Load(path, "http://localhost:8000")
	require.NoError(t, err)

	p, err := c.Resolve("Flash Sale")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/promotions/flash/7", c.CallbackURL(p, "7"))
	assert.False(t, c.Contains("happy-hour"))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), testBaseURL)
	assert.Error(t, err)

	_, err = Parse([]byte("promotions: [oops"), testBaseURL)
	assert.ErrorContains(t, err, "decode yaml")
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := Load("", testBaseURL)
	require.NoError(t, err)
	assert.True(t, c.Contains("birthday"))
}
