package configstore

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"gopkg.in/yaml.v3"

	"github.com/formgate/formgate/internal/model"
)

//go:embed seed.yaml
var seedYAML []byte

type seedFile struct {
	BlockedKeywords []string           `yaml:"blocked_keywords"`
	FlaggedKeywords map[string]float64 `yaml:"flagged_keywords"`
	Thresholds      struct {
		SpamScoreBlock   float64 `yaml:"spam_score_block"`
		SpamScoreFlag    float64 `yaml:"spam_score_flag"`
		CaptchaAtFlag    bool    `yaml:"captcha_at_flag"`
		StrictMargin     float64 `yaml:"strict_margin"`
		DuplicateLimit   int64   `yaml:"duplicate_limit"`
		IPRateLimit      int64   `yaml:"ip_rate_limit"`
		IPRateWindowSecs int64   `yaml:"ip_rate_window_secs"`
		MinFillSecs      int64   `yaml:"min_fill_secs"`
		MaxTokenAgeSecs  int64   `yaml:"max_token_age_secs"`
	} `yaml:"thresholds"`
}

func loadSeed() (seedFile, error) {
	var seed seedFile
	if err := yaml.Unmarshal(seedYAML, &seed); err != nil {
		return seed, fmt.Errorf("configstore: parse seed: %w", err)
	}
	return seed, nil
}

// DefaultThresholds returns the built-in global thresholds, used when the
// store carries no threshold document yet.
func DefaultThresholds() model.Thresholds {
	seed, err := loadSeed()
	if err != nil {
		// The seed is embedded; a parse failure is a build defect.
		panic(err)
	}
	t := seed.Thresholds
	return model.Thresholds{
		SpamScoreBlock:   t.SpamScoreBlock,
		SpamScoreFlag:    t.SpamScoreFlag,
		CaptchaAtFlag:    t.CaptchaAtFlag,
		StrictMargin:     t.StrictMargin,
		DuplicateLimit:   t.DuplicateLimit,
		IPRateLimit:      t.IPRateLimit,
		IPRateWindowSecs: t.IPRateWindowSecs,
		MinFillSecs:      t.MinFillSecs,
		MaxTokenAgeSecs:  t.MaxTokenAgeSecs,
	}
}

// SeedDefaults writes the built-in keyword lists and thresholds for any key
// not yet present in the store. Existing operator data is never overwritten.
func (c *Client) SeedDefaults(ctx context.Context) error {
	seed, err := loadSeed()
	if err != nil {
		return err
	}

	wrote := false
	seedKey := func(key string, doc any) error {
		_, ok, err := c.kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("configstore: seed read %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if err := c.putDoc(ctx, key, doc); err != nil {
			return err
		}
		wrote = true
		return nil
	}

	if err := seedKey(keyBlockedKeywords, seed.BlockedKeywords); err != nil {
		return err
	}
	if err := seedKey(keyFlaggedKeywords, seed.FlaggedKeywords); err != nil {
		return err
	}
	if err := seedKey(keyGlobalThresholds, DefaultThresholds()); err != nil {
		return err
	}
	if wrote {
		log.Printf("[configstore] seeded default keyword lists and thresholds")
	}
	return nil
}
