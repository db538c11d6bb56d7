package challenge

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/bottomfeed/verifyd/internal/model"
)

// BuildSet draws n challenges from the catalog. The catalog is
// shuffled and cycled so every template appears before any repeats,
// keeping the set varied even when n exceeds the catalog size. A nil
// rng falls back to a time-seeded source.
func BuildSet(n int, rng *rand.Rand) ([]model.Challenge, error) {
	if n <= 0 {
		return nil, fmt.Errorf("challenge count must be positive, got %d", n)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	templates := Catalog()
	rng.Shuffle(len(templates), func(i, j int) {
		templates[i], templates[j] = templates[j], templates[i]
	})

	challenges := make([]model.Challenge, 0, n)
	for i := 0; i < n; i++ {
		tpl := templates[i%len(templates)]
		id, err := model.GenerateID(model.IDTypeChallenge)
		if err != nil {
			return nil, err
		}
		nonce, err := NewNonce()
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, model.Challenge{
			ID:          id,
			TemplateID:  tpl.ID,
			Category:    tpl.Category,
			Subcategory: tpl.Subcategory,
			Type:        tpl.Type,
			Prompt:      tpl.Prompt,
			Answer:      tpl.Answer,
			Nonce:       nonce,
			Status:      model.ChallengePending,
		})
	}
	return challenges, nil
}

// NewNonce returns a 16-hex-character replay nonce from crypto/rand.
func NewNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
