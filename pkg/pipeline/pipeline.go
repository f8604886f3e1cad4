// Package pipeline runs named stages in dependency order. Stages and their
// dependencies are held in a DAG; execution is sequential and stops at the
// first failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/heimdalr/dag"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNonExistentDependency is returned when a stage depends on a stage that was not added
	ErrNonExistentDependency = errors.New("stage depends on non-existent stage")
	// ErrInvalidNodeType is returned when a vertex does not hold a stage
	ErrInvalidNodeType = errors.New("invalid node type")
	// ErrSkip may be returned by a stage to report that it had nothing to do
	ErrSkip = errors.New("stage skipped")
)

// Status is the outcome of a stage.
type Status string

// Stage outcomes
const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	// StatusBlocked marks a stage that did not run because a stage it
	// depends on failed.
	StatusBlocked Status = "blocked"
)

// Func is the body of a stage.
type Func func(ctx context.Context) error

// Stage is a named unit of work.
type Stage struct {
	ID        string
	DependsOn []string
	Run       Func
}

// Result records how a stage ended.
type Result struct {
	ID       string
	Status   Status
	Duration time.Duration
}

// Pipeline holds stages and their dependency graph.
type Pipeline struct {
	log   logrus.FieldLogger
	dag   *dag.DAG
	mutex sync.RWMutex
}

// New builds a pipeline from stages. Dependencies must name added stages and
// may not form a cycle.
func New(log logrus.FieldLogger, stages ...Stage) (*Pipeline, error) {
	p := &Pipeline{
		log: log.WithField("component", "pipeline"),
		dag: dag.NewDAG(),
	}

	for i := range stages {
		// vertices are stored as pointers: the DAG indexes vertex values in a map
		s := stages[i]
		if err := p.dag.AddVertexByID(s.ID, &s); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", s.ID, err)
		}
	}

	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, err := p.dag.GetVertex(dep); err != nil {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrNonExistentDependency, s.ID, dep)
			}

			// AddEdge returns error if it would create a cycle
			if err := p.dag.AddEdge(dep, s.ID); err != nil {
				return nil, fmt.Errorf("invalid dependency %s → %s: %w", dep, s.ID, err)
			}
		}
	}

	return p, nil
}

// GetStage retrieves a stage by ID.
func (p *Pipeline) GetStage(id string) (Stage, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	vertex, err := p.dag.GetVertex(id)
	if err != nil {
		return Stage{}, err
	}
	s, ok := vertex.(*Stage)
	if !ok {
		return Stage{}, fmt.Errorf("%w for stage %s", ErrInvalidNodeType, id)
	}

	return *s, nil
}

// GetDependencies returns the direct dependencies of a stage, sorted.
func (p *Pipeline) GetDependencies(id string) []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	parents, err := p.dag.GetParents(id)
	if err != nil {
		return nil
	}

	return sortedKeys(parents)
}

// GetAllDependents returns every stage that transitively depends on id, sorted.
func (p *Pipeline) GetAllDependents(id string) []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	descendants, err := p.dag.GetDescendants(id)
	if err != nil {
		return nil
	}

	return sortedKeys(descendants)
}

// Order returns the stage IDs in topological order. Ties are broken by ID so
// the order is stable between runs.
func (p *Pipeline) Order() ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	vertices := p.dag.GetVertices()
	indegree := make(map[string]int, len(vertices))
	for id := range vertices {
		parents, err := p.dag.GetParents(id)
		if err != nil {
			return nil, err
		}
		indegree[id] = len(parents)
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(vertices))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		children, err := p.dag.GetChildren(id)
		if err != nil {
			return nil, err
		}
		for child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	return order, nil
}

// Run executes every stage in order. It stops at the first stage error, which
// is returned wrapped with the stage ID, and reports the stages depending on
// the failed one as blocked. A stage returning ErrSkip is recorded as skipped
// and does not stop the run.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	order, err := p.Order()
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		stage, err := p.GetStage(id)
		if err != nil {
			return results, err
		}

		log := p.log.WithField("stage", id)
		log.WithField("depends_on", p.GetDependencies(id)).Debug("Starting stage")

		start := time.Now()
		runErr := stage.Run(ctx)
		res := Result{ID: id, Status: StatusSuccess, Duration: time.Since(start)}

		switch {
		case errors.Is(runErr, ErrSkip):
			res.Status = StatusSkipped
		case runErr != nil:
			res.Status = StatusFailed
		}
		observability.RecordStage(id, string(res.Status), res.Duration.Seconds())
		results = append(results, res)

		if res.Status == StatusFailed {
			observability.RecordError("pipeline", id)

			blocked := p.GetAllDependents(id)
			for _, dep := range blocked {
				results = append(results, Result{ID: dep, Status: StatusBlocked})
			}
			log.WithError(runErr).WithField("blocked", blocked).Error("Stage failed")

			return results, fmt.Errorf("stage %s: %w", id, runErr)
		}

		log.WithFields(logrus.Fields{
			"status":   res.Status,
			"duration": res.Duration,
		}).Info("Stage completed")
	}

	return results, nil
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}
