// Package inference scores a feature vector into the risk signals the
// policy engine consults. Signals are deterministic heuristics in [0,1] —
// the same inputs always produce the same outputs, which the certificate's
// inputs_hash depends on. The trained-model artifact is an external
// collaborator; only its scoring contract lives here.
package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"origin/pkg/models"
)

const (
	RiskModelVersion    = "origin-risk-fallback-v1"
	AnomalyModelVersion = "origin-anomaly-fallback-v1"
)

type Service struct {
	// ArtifactPath, if set, is hashed at startup and reported by Status so
	// operators can confirm which scoring ruleset a deployment is running.
	ArtifactPath string

	loadedAt   time.Time
	fileSHA256 string
}

func NewService(artifactPath string) (*Service, error) {
	s := &Service{ArtifactPath: artifactPath, loadedAt: time.Now().UTC()}
	if artifactPath != "" {
		data, err := os.ReadFile(artifactPath)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		s.fileSHA256 = hex.EncodeToString(sum[:])
	}
	return s, nil
}

// Score computes RiskSignals for one upload. metadata is accepted so the
// signature covers what a trained-model variant would consult; the
// heuristics below don't read it.
func (s *Service) Score(_ context.Context, features models.Features, _ map[string]interface{}, now time.Time) models.RiskSignals {
	risk := fallbackRisk(features)
	assurance := fallbackAssurance(risk, features)
	anomaly := fallbackAnomaly(features)
	synthetic := fallbackSynthetic(features)

	return models.RiskSignals{
		Risk:                clamp01(risk),
		Assurance:           clamp01(assurance),
		Anomaly:             clamp01(anomaly),
		SyntheticLikelihood: clamp01(synthetic),
		RiskModelVersion:    RiskModelVersion,
		AnomalyModelVersion: AnomalyModelVersion,
		ComputedAt:          now,
	}
}

// Status reports the loaded model versions for the status endpoint.
type Status struct {
	LoadedVersions []string
	FileSHA256     string
	LoadedAt       time.Time
}

func (s *Service) Status() Status {
	return Status{
		LoadedVersions: []string{RiskModelVersion, AnomalyModelVersion},
		FileSHA256:     s.fileSHA256,
		LoadedAt:       s.loadedAt,
	}
}

func fallbackRisk(f models.Features) float64 {
	risk := 0.20
	age := f.AccountAgeDays
	if age > 365 {
		age = 365
	}
	risk += float64(365-age) / 365 * 0.30
	risk += float64(f.PriorQuarantineCount) * 0.25
	risk += (1 - f.IdentityConfidence) * 0.30
	return risk
}

func fallbackAssurance(risk float64, f models.Features) float64 {
	return f.IdentityConfidence*0.6 + (1-risk)*0.4 - float64(f.PriorQuarantineCount)*0.15
}

func fallbackAnomaly(f models.Features) float64 {
	score := 0.50
	if f.UploadVelocity24h > 50 {
		score -= 0.20
	}
	if f.DeviceVelocity24h > 10 {
		score -= 0.15
	}
	return score
}

func fallbackSynthetic(f models.Features) float64 {
	score := 0.20
	if f.IdentityConfidence < 0.30 {
		score += 0.20
	}
	if f.UploadVelocity24h > 50 {
		score += 0.15
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
