package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/sayless/internal/config"
	"github.com/MrWong99/sayless/internal/resilience"
	"github.com/MrWong99/sayless/pkg/provider/llm"
	"github.com/MrWong99/sayless/pkg/provider/stt"
)

// Providers holds the two backends a flush talks to and the names reported
// in metrics and errors.
type Providers struct {
	STT     stt.Provider
	STTName string
	LLM     llm.Provider
	LLMName string
}

// BuildProviders instantiates the configured primaries through reg. When
// fallbacks are configured the primary and its fallbacks are combined behind a
// circuit-breaking [resilience.STTFallback] or [resilience.LLMFallback].
func BuildProviders(reg *config.Registry, pc config.ProvidersConfig) (*Providers, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
			},
		},
	}
	p := &Providers{STTName: pc.STT.Label(), LLMName: pc.LLM.Label()}

	primarySTT, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("app: create stt provider %q: %w", pc.STT.Name, err)
	}
	p.STT = primarySTT
	if len(pc.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(primarySTT, pc.STT.Label(), fbCfg)
		for _, e := range pc.STTFallbacks {
			prov, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("app: create stt fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Label(), prov)
		}
		p.STT = fb
		p.STTName = "stt-fallback"
	}

	primaryLLM, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", pc.LLM.Name, err)
	}
	p.LLM = primaryLLM
	if len(pc.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(primaryLLM, pc.LLM.Label(), fbCfg)
		for _, e := range pc.LLMFallbacks {
			prov, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("app: create llm fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Label(), prov)
		}
		p.LLM = fb
		p.LLMName = "llm-fallback"
	}
	return p, nil
}
