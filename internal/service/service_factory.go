package service

import (
	"behavior-gate/internal/audit"
	"behavior-gate/internal/config"
	"behavior-gate/internal/decision"
	"behavior-gate/internal/features"
	"behavior-gate/internal/scoring"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	config      *config.Config
	recorder    *audit.Recorder
	classifier  *scoring.HTTPClassifier
	logger      *zap.Logger
	gateService *GateService
}

// NewServiceFactory creates a new service factory. classifierAPIKey is the
// already resolved classifier credential.
func NewServiceFactory(cfg *config.Config, recorder *audit.Recorder, classifierAPIKey string, logger *zap.Logger) *ServiceFactory {
	f := &ServiceFactory{
		config:   cfg,
		recorder: recorder,
		logger:   logger,
	}
	if cfg.Scoring.Strategy == config.StrategyModel {
		f.classifier = scoring.NewHTTPClassifier(cfg.Scoring.ClassifierURL, classifierAPIKey)
	}
	return f
}

// Scorer builds the configured scoring strategy.
func (f *ServiceFactory) Scorer() scoring.Scorer {
	if f.classifier == nil {
		return scoring.NewRuleScorer()
	}
	breaker := scoring.NewBreaker(f.config.Scoring.BreakerThreshold, f.config.Scoring.BreakerOpenDuration)
	return scoring.NewModelScorer(f.classifier, f.config.Scoring.ClassifierTimeout, breaker, "")
}

// GateService returns the gate service instance (singleton)
func (f *ServiceFactory) GateService() *GateService {
	if f.gateService == nil {
		bands := decision.Bands{
			Low:  f.config.Decision.LowThreshold,
			High: f.config.Decision.HighThreshold,
		}

		var prober Prober
		if f.classifier != nil {
			prober = f.classifier
		}

		f.gateService = NewGateService(
			features.NewExtractor(),
			f.Scorer(),
			scoring.NewRuleScorer(),
			decision.NewEngine(bands, f.config.Decision.PolicyVersion),
			f.recorder,
			prober,
			f.logger,
		)
	}
	return f.gateService
}
