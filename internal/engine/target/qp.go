package target

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Problem is a box-and-budget constrained projection: find the weight vector
// closest (least squares) to Target subject to per-variable bounds, group caps
// and the invested-weight budget slab.
type Problem struct {
	// Target is the unconstrained preference, typically the model weights.
	Target []float64
	// Lower and Upper are per-variable bounds. Locked variables carry
	// Lower == Upper == current weight.
	Lower []float64
	Upper []float64
	// Groups cap the summed weight of index subsets.
	Groups []GroupCap
	// BudgetLo and BudgetHi bound the total invested weight (one minus the
	// cash band).
	BudgetLo float64
	BudgetHi float64
}

// GroupCap caps the combined weight of a variable subset.
type GroupCap struct {
	Key     string
	Indices []int
	Max     float64
}

// Solution is a backend's answer.
type Solution struct {
	Weights    []float64
	Status     string // SOLVED or PRIMAL_INFEASIBLE
	Iterations int
	Residual   float64
}

// QPBackend solves the constrained projection. Backends run in a fixed order
// and must be deterministic for identical input.
type QPBackend interface {
	Name() string
	Solve(p *Problem) (*Solution, error)
}

// Backends returns the solver chain in invocation order.
func Backends() []QPBackend {
	return []QPBackend{
		&osqpBackend{maxIter: 4000, tol: 1e-8},
		&scsBackend{maxIter: 6000, tol: 1e-8},
	}
}

const feasibilityTol = 1e-6

// osqpBackend is an operator-splitting projection solver: Dykstra's
// alternating projections with over-relaxation, in the spirit of the OSQP
// ADMM scheme, specialized to the identity-Hessian problem above.
type osqpBackend struct {
	maxIter int
	tol     float64
}

func (b *osqpBackend) Name() string { return "OSQP" }

func (b *osqpBackend) Solve(p *Problem) (*Solution, error) {
	return dykstra(p, b.maxIter, b.tol, 1.6)
}

// scsBackend is a plain cyclic-projection solver, the conic-splitting
// fallback. Same fixed point, slower contraction, no relaxation.
type scsBackend struct {
	maxIter int
	tol     float64
}

func (b *scsBackend) Name() string { return "SCS" }

func (b *scsBackend) Solve(p *Problem) (*Solution, error) {
	return dykstra(p, b.maxIter, b.tol, 1.0)
}

// dykstra projects Target onto the intersection of the box, the budget slab
// and the group halfspaces. With correction terms the iteration converges to
// the exact Euclidean projection; relax > 1 over-relaxes each projection step.
func dykstra(p *Problem, maxIter int, tol, relax float64) (*Solution, error) {
	n := len(p.Target)
	if n == 0 {
		return &Solution{Status: "SOLVED"}, nil
	}
	if len(p.Lower) != n || len(p.Upper) != n {
		return nil, fmt.Errorf("bounds dimension mismatch: n=%d lower=%d upper=%d", n, len(p.Lower), len(p.Upper))
	}
	for i := 0; i < n; i++ {
		if p.Lower[i] > p.Upper[i]+feasibilityTol {
			return &Solution{Status: "PRIMAL_INFEASIBLE"}, nil
		}
	}

	// One projection set per constraint family: box, budget slab, each group.
	numSets := 2 + len(p.Groups)
	x := mat.NewVecDense(n, nil)
	x.CopyVec(mat.NewVecDense(n, append([]float64(nil), p.Target...)))
	corrections := make([]*mat.VecDense, numSets)
	for i := range corrections {
		corrections[i] = mat.NewVecDense(n, nil)
	}
	work := mat.NewVecDense(n, nil)

	project := func(set int, v *mat.VecDense) {
		switch {
		case set == 0:
			for i := 0; i < n; i++ {
				v.SetVec(i, math.Min(math.Max(v.AtVec(i), p.Lower[i]), p.Upper[i]))
			}
		case set == 1:
			sum := vecSum(v)
			target := sum
			if sum < p.BudgetLo {
				target = p.BudgetLo
			} else if sum > p.BudgetHi {
				target = p.BudgetHi
			}
			if target != sum {
				shift := (target - sum) / float64(n)
				for i := 0; i < n; i++ {
					v.SetVec(i, v.AtVec(i)+shift)
				}
			}
		default:
			g := p.Groups[set-2]
			sum := 0.0
			for _, idx := range g.Indices {
				sum += v.AtVec(idx)
			}
			if sum > g.Max && len(g.Indices) > 0 {
				shift := (sum - g.Max) / float64(len(g.Indices))
				for _, idx := range g.Indices {
					v.SetVec(idx, v.AtVec(idx)-shift)
				}
			}
		}
	}

	iter := 0
	for ; iter < maxIter; iter++ {
		maxMove := 0.0
		for set := 0; set < numSets; set++ {
			// y = x + correction
			work.AddVec(x, corrections[set])
			before := mat.NewVecDense(n, nil)
			before.CopyVec(work)
			project(set, work)
			if relax != 1.0 {
				// over-relaxed step: before + relax*(projected-before)
				for i := 0; i < n; i++ {
					work.SetVec(i, before.AtVec(i)+relax*(work.AtVec(i)-before.AtVec(i)))
				}
				project(set, work)
			}
			// correction = y - projected
			corrections[set].SubVec(before, work)
			for i := 0; i < n; i++ {
				move := math.Abs(work.AtVec(i) - x.AtVec(i))
				if move > maxMove {
					maxMove = move
				}
			}
			x.CopyVec(work)
		}
		if maxMove < tol {
			break
		}
	}

	res := residual(p, x)
	status := "SOLVED"
	if res > feasibilityTol {
		status = "PRIMAL_INFEASIBLE"
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = x.AtVec(i)
	}
	return &Solution{Weights: out, Status: status, Iterations: iter, Residual: res}, nil
}

// residual is the worst constraint violation of x.
func residual(p *Problem, x *mat.VecDense) float64 {
	n := x.Len()
	worst := 0.0
	sum := 0.0
	for i := 0; i < n; i++ {
		v := x.AtVec(i)
		sum += v
		if d := p.Lower[i] - v; d > worst {
			worst = d
		}
		if d := v - p.Upper[i]; d > worst {
			worst = d
		}
	}
	if d := p.BudgetLo - sum; d > worst {
		worst = d
	}
	if d := sum - p.BudgetHi; d > worst {
		worst = d
	}
	for _, g := range p.Groups {
		gs := 0.0
		for _, idx := range g.Indices {
			gs += x.AtVec(idx)
		}
		if d := gs - g.Max; d > worst {
			worst = d
		}
	}
	return worst
}

func vecSum(v *mat.VecDense) float64 {
	sum := 0.0
	for i := 0; i < v.Len(); i++ {
		sum += v.AtVec(i)
	}
	return sum
}
