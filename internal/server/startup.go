package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/activity"
)

// LoadStartupModels loads the given models before the server reports ready.
// With restore set, a persisted override is re-applied on top of the
// repository configuration. A model whose stored override no longer applies
// is loaded with its defaults instead.
func (s *Server) LoadStartupModels(ctx context.Context, names []string, restore bool) error {
	for _, name := range names {
		if restore && s.store != nil {
			o, ok, err := s.store.GetOverride(ctx, name)
			if err != nil {
				return fmt.Errorf("read override for %s: %w", name, err)
			}
			if ok {
				err := s.Load(ctx, name, o.Config)
				if err == nil {
					s.activity.Record(activity.EventRestore, name, "")
					continue
				}
				s.logger.Warn("stored override rejected, loading defaults", zap.String("model", name), zap.Error(err))
			}
		}
		if err := s.Load(ctx, name, nil); err != nil {
			return fmt.Errorf("startup model %s: %w", name, err)
		}
	}
	return nil
}
