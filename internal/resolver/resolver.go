package resolver

import (
	"context"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// DefaultMaxFiles bounds the broad-search walk.
const DefaultMaxFiles = 200000

// Resolver runs strategies in order; the first hit wins.
type Resolver struct {
	strategies []Strategy
}

// New builds a resolver over the given strategies. With none, the default
// order is used.
func New(strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{strategies: strategies}
}

// DefaultStrategies is direct, local-directory, root-search, broad-search.
func DefaultStrategies() []Strategy {
	return []Strategy{Direct{}, LocalDirectory{}, RootSearch{}, BroadSearch{}}
}

// Strategies lists strategy names in run order.
func (r *Resolver) Strategies() []string {
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.Name()
	}
	return out
}

// Resolve returns the best input for req or a *types.MissingInputError.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	if req.MaxFiles == 0 {
		req.MaxFiles = DefaultMaxFiles
	}
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		res, ok := s.Resolve(req)
		if !ok {
			logging.ResolverDebug("%s %s: %s found nothing", req.Tile, req.Date, s.Name())
			continue
		}
		if res.Date.Equal(req.Date) {
			logging.Resolver("%s %s: %s → %s (%s)", req.Tile, req.Date, s.Name(), res.Source.Files()[0], res.Source.Kind())
		} else {
			logging.Resolver("%s %s: %s → %s, nearest date %s (%d days)", req.Tile, req.Date, s.Name(),
				res.Source.Files()[0], res.Date, tile.DaysBetween(res.Date, req.Date))
		}
		return res, nil
	}

	searched := r.Strategies()
	if req.Hint != "" {
		searched = append(searched, "hint="+req.Hint)
	}
	for _, root := range req.Roots {
		searched = append(searched, "root="+root)
	}
	return Resolution{}, &types.MissingInputError{
		What:     "surface reflectance",
		Tile:     req.Tile.Code(),
		Date:     req.Date.String(),
		Searched: searched,
	}
}
