// Package lineage walks the analysis DAG: parent chains, child fan-out and
// root discovery.
package lineage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/domain"
)

// maxDepth bounds the parent walk. The foreign key makes cycles impossible
// through the sanctioned write path, but the resolver does not trust the
// storage layer blindly.
const maxDepth = 10000

// AnalysisReader is the slice of the analysis repository the resolver needs.
type AnalysisReader interface {
	GetByID(analysisID string) (*domain.Analysis, error)
	GetChildren(analysisID string) ([]domain.Analysis, error)
	GetRoots(limit int) ([]domain.Analysis, error)
}

// CycleError reports a structurally corrupt parent chain.
type CycleError struct {
	AnalysisID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("analysis lineage contains a cycle through %s", e.AnalysisID)
}

// Resolver answers lineage queries over the analysis DAG.
type Resolver struct {
	analyses AnalysisReader
	log      zerolog.Logger
}

// NewResolver creates a lineage resolver.
func NewResolver(analyses AnalysisReader, log zerolog.Logger) *Resolver {
	return &Resolver{
		analyses: analyses,
		log:      log.With().Str("component", "lineage").Logger(),
	}
}

// Lineage returns the full ancestry of an analysis, root first and the given
// analysis last. Returns (nil, nil) when the analysis does not exist, and
// CycleError if the stored parent chain ever revisits a node. A dangling
// parent reference ends the walk early with the chain collected so far.
func (r *Resolver) Lineage(analysisID string) ([]domain.Analysis, error) {
	analysis, err := r.analyses.GetByID(analysisID)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, nil
	}

	visited := map[string]struct{}{analysis.AnalysisID: {}}
	chain := []domain.Analysis{*analysis}

	current := analysis
	for depth := 0; current.ParentAnalysisID != nil; depth++ {
		if depth >= maxDepth {
			return nil, &CycleError{AnalysisID: current.AnalysisID}
		}

		parentID := *current.ParentAnalysisID
		if _, seen := visited[parentID]; seen {
			return nil, &CycleError{AnalysisID: parentID}
		}

		parent, err := r.analyses.GetByID(parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			// FK enforcement makes this unreachable through normal writes.
			// The walk ends here and the collected chain is still useful.
			r.log.Warn().
				Str("analysis_id", current.AnalysisID).
				Str("parent_id", parentID).
				Msg("Lineage walk stopped at missing parent")
			break
		}

		visited[parentID] = struct{}{}
		chain = append(chain, *parent)
		current = parent
	}

	// Reverse so the root comes first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	r.log.Debug().
		Str("analysis_id", analysisID).
		Int("depth", len(chain)).
		Msg("Lineage resolved")

	return chain, nil
}

// Children returns the direct children of an analysis, one hop only.
func (r *Resolver) Children(analysisID string) ([]domain.Analysis, error) {
	return r.analyses.GetChildren(analysisID)
}

// Roots returns analyses without a parent, most recent first.
func (r *Resolver) Roots(limit int) ([]domain.Analysis, error) {
	return r.analyses.GetRoots(limit)
}
