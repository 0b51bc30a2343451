// Package finality aggregates child proofs into a WorkUnit's composite and
// drives it DRAFT -> SEALED -> FINAL.
//
// The composite has no stored state of its own. Its state, child proofs
// and merkle root are read back from FINALITY_DRAFT, PROOF_ATTACHED,
// FINALITY_SEALED and FINALITY_FINAL entries, and every transition is
// checked and appended inside one ledger transaction.
package finality

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/graph"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/telemetry"
)

var finalityKinds = []ir.EntryKind{
	ir.KindFinalityDraft,
	ir.KindProofAttached,
	ir.KindFinalitySealed,
	ir.KindFinalityFinal,
}

// Aggregator attests reports and moves composites through their states.
type Aggregator struct {
	ledger   *ledger.Ledger
	attestor *Attestor
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// New creates an aggregator signing with attestor.
func New(l *ledger.Ledger, attestor *Attestor, opts ...Option) *Aggregator {
	a := &Aggregator{
		ledger:   l,
		attestor: attestor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attestor returns the key proofs are signed with.
func (a *Aggregator) Attestor() *Attestor {
	return a.attestor
}

// composite is the folded finality record of one WorkUnit.
type composite struct {
	ir.CompositeFinality
	exists bool
	proofs map[string]ir.Proof // by sub unit
	hashes map[string]string   // proof hash by sub unit
}

func load(ctx context.Context, v ledger.View, workUnitID string) (composite, error) {
	entries, err := v.Find(ctx, ledger.ByWorkUnit(workUnitID, finalityKinds...))
	if err != nil {
		return composite{}, err
	}
	c := composite{
		CompositeFinality: ir.CompositeFinality{WorkUnitID: workUnitID},
		proofs:            make(map[string]ir.Proof),
		hashes:            make(map[string]string),
	}
	for _, e := range entries {
		switch e.Kind {
		case ir.KindFinalityDraft:
			c.exists = true
			c.State = ir.FinalityDraft
		case ir.KindProofAttached:
			sub := e.Attrs.String(ir.AttrSubUnitID)
			c.proofs[sub] = ir.Proof{
				SubUnitID:   sub,
				ReportHash:  e.Attrs.String(ir.AttrReportHash),
				Attestation: e.Attrs.String(ir.AttrAttestation),
				KeyID:       e.Attrs.String(ir.AttrKeyID),
			}
			c.hashes[sub] = e.Attrs.String(ir.AttrProofHash)
		case ir.KindFinalitySealed:
			c.State = ir.FinalitySealed
			c.MerkleRoot = e.Attrs.String(ir.AttrMerkleRoot)
		case ir.KindFinalityFinal:
			c.State = ir.FinalityFinal
		}
	}
	c.ChildProofRoots = make([]string, 0, len(c.hashes))
	for _, h := range c.hashes {
		c.ChildProofRoots = append(c.ChildProofRoots, h)
	}
	slices.Sort(c.ChildProofRoots)
	return c, nil
}

// Get returns the composite of workUnitID. ok is false before the first
// proof is attached.
func (a *Aggregator) Get(ctx context.Context, workUnitID string) (ir.CompositeFinality, bool, error) {
	return Get(ctx, a.ledger, workUnitID)
}

// Get folds the composite of workUnitID from v.
func Get(ctx context.Context, v ledger.View, workUnitID string) (ir.CompositeFinality, bool, error) {
	c, err := load(ctx, v, workUnitID)
	if err != nil {
		return ir.CompositeFinality{}, false, err
	}
	return c.CompositeFinality, c.exists, nil
}

// Attach derives and records the proof of a reported SubUnit, opening the
// composite in DRAFT on the first proof. Attaching an already attached
// SubUnit returns its recorded proof. Once sealed, the child proof set is
// closed.
func (a *Aggregator) Attach(ctx context.Context, workUnitID, subUnitID string) (p ir.Proof, err error) {
	ctx, span := telemetry.StartSpan(ctx, "finality.Attach",
		attribute.String("work_unit", workUnitID), attribute.String("sub_unit", subUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	opened := false
	_, err = a.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		if err := ledger.RequireOpen(ctx, v, workUnitID, "attach proof"); err != nil {
			return nil, err
		}
		c, err := load(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		if c.State == ir.FinalitySealed || c.State == ir.FinalityFinal {
			return nil, fault.NewImmutabilityError(workUnitID, c.State, "attach proof")
		}
		if existing, ok := c.proofs[subUnitID]; ok {
			p = existing
			return nil, nil
		}

		report, reportHash, err := reportOf(ctx, v, workUnitID, subUnitID)
		if err != nil {
			return nil, err
		}
		p = a.attestor.Attest(subUnitID, reportHash)
		proofHash, err := ir.ProofHash(p)
		if err != nil {
			return nil, err
		}

		var drafts []ledger.Draft
		if !c.exists {
			opened = true
			drafts = append(drafts, ledger.Draft{
				Kind:       ir.KindFinalityDraft,
				PayloadRef: workUnitID,
				ActorID:    ledger.SystemActor,
				Attrs:      ir.IRObject{ir.AttrWorkUnitID: ir.IRString(workUnitID)},
			})
		}
		drafts = append(drafts, ledger.Draft{
			Kind:       ir.KindProofAttached,
			PayloadRef: proofHash,
			ActorID:    report.AgentID,
			Attrs: ir.IRObject{
				ir.AttrWorkUnitID:  ir.IRString(workUnitID),
				ir.AttrSubUnitID:   ir.IRString(subUnitID),
				ir.AttrReportHash:  ir.IRString(p.ReportHash),
				ir.AttrAttestation: ir.IRString(p.Attestation),
				ir.AttrKeyID:       ir.IRString(p.KeyID),
				ir.AttrProofHash:   ir.IRString(proofHash),
			},
		})
		return drafts, nil
	})
	if err != nil {
		return ir.Proof{}, err
	}
	if opened {
		a.logger.Info("composite opened", "work_unit", workUnitID)
	}
	return p, nil
}

// reportOf loads the submitted report of a SubUnit and checks that its
// recorded hash still matches its content.
func reportOf(ctx context.Context, v ledger.View, workUnitID, subUnitID string) (ir.ExecutionReport, string, error) {
	e, ok, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindReportSubmitted},
		Attrs: map[string]string{ir.AttrWorkUnitID: workUnitID, ir.AttrSubUnitID: subUnitID},
	})
	if err != nil {
		return ir.ExecutionReport{}, "", err
	}
	if !ok {
		return ir.ExecutionReport{}, "", fault.NewIncompleteChildProofsError(workUnitID, []string{subUnitID})
	}
	r, err := ir.DecodeReport(e.Attrs)
	if err != nil {
		return ir.ExecutionReport{}, "", fmt.Errorf("report at sequence %d: %w", e.Sequence, err)
	}
	h, err := ir.ReportHash(r)
	if err != nil {
		return ir.ExecutionReport{}, "", err
	}
	if recorded := e.Attrs.String(ir.AttrReportHash); recorded != h {
		return ir.ExecutionReport{}, "", fault.NewIntegrityError(
			fmt.Sprintf("report of %s hashes to %s, recorded %s", subUnitID, h, recorded), e.Sequence)
	}
	return r, h, nil
}

// Seal closes the child proof set and fixes the merkle root. Every SubUnit
// of the issued plan must be REPORTED with a valid proof attached.
func (a *Aggregator) Seal(ctx context.Context, workUnitID string) (out ir.CompositeFinality, err error) {
	ctx, span := telemetry.StartSpan(ctx, "finality.Seal", attribute.String("work_unit", workUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	_, err = a.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		if err := ledger.RequireOpen(ctx, v, workUnitID, "seal"); err != nil {
			return nil, err
		}
		c, err := load(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		if c.State == ir.FinalitySealed || c.State == ir.FinalityFinal {
			return nil, fault.NewImmutabilityError(workUnitID, c.State, "seal")
		}
		missing, err := a.missingProofs(ctx, v, c)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 || !c.exists {
			return nil, fault.NewIncompleteChildProofsError(workUnitID, missing)
		}

		root, err := MerkleRoot(c.ChildProofRoots)
		if err != nil {
			return nil, err
		}
		c.MerkleRoot = root
		c.State = ir.FinalitySealed
		out = c.CompositeFinality
		return []ledger.Draft{{
			Kind:       ir.KindFinalitySealed,
			PayloadRef: c.Ref(),
			ActorID:    ledger.SystemActor,
			Attrs: ir.IRObject{
				ir.AttrWorkUnitID:  ir.IRString(workUnitID),
				ir.AttrMerkleRoot:  ir.IRString(root),
				ir.AttrChildProofs: ir.StringArray(c.ChildProofRoots),
			},
		}}, nil
	})
	if err != nil {
		return ir.CompositeFinality{}, err
	}
	a.logger.Info("composite sealed", "work_unit", workUnitID, "merkle_root", out.MerkleRoot)
	return out, nil
}

// missingProofs lists the SubUnits of c's plan that are not reported or
// whose proof does not verify, in topological order.
func (a *Aggregator) missingProofs(ctx context.Context, v ledger.View, c composite) ([]string, error) {
	g, _, ok, err := graph.Replay(ctx, v, c.WorkUnitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.NewIncompleteChildProofsError(c.WorkUnitID, nil)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range order {
		if st, _ := g.Status(id); st != ir.SubUnitReported {
			missing = append(missing, id)
			continue
		}
		p, ok := c.proofs[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		_, reportHash, err := reportOf(ctx, v, c.WorkUnitID, id)
		if err != nil {
			return nil, err
		}
		if err := a.attestor.Verify(p, reportHash); err != nil {
			a.logger.Warn("proof rejected", "work_unit", c.WorkUnitID, "sub_unit", id, "error", err)
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Finalize moves a sealed composite to FINAL once a review approval bound
// to its exact reference is on the ledger.
func (a *Aggregator) Finalize(ctx context.Context, workUnitID string) (out ir.CompositeFinality, err error) {
	ctx, span := telemetry.StartSpan(ctx, "finality.Finalize", attribute.String("work_unit", workUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	if _, err = a.ledger.Transact(ctx, ledger.SystemActor, a.FinalizeTx(workUnitID, &out)); err != nil {
		return ir.CompositeFinality{}, err
	}
	a.logger.Info("composite final", "work_unit", workUnitID, "ref", out.Ref())
	return out, nil
}

// FinalizeTx is the FINAL transition as a transaction step, for callers
// that record the approval and the transition together. out receives the
// final composite.
func (a *Aggregator) FinalizeTx(workUnitID string, out *ir.CompositeFinality) ledger.TxFunc {
	return func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		if err := ledger.RequireOpen(ctx, v, workUnitID, "finalize"); err != nil {
			return nil, err
		}
		c, err := load(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		switch c.State {
		case ir.FinalityFinal:
			return nil, fault.NewImmutabilityError(workUnitID, c.State, "finalize")
		case ir.FinalitySealed:
		default:
			missing, err := a.missingProofs(ctx, v, c)
			if err != nil {
				return nil, err
			}
			return nil, fault.NewIncompleteChildProofsError(workUnitID, missing)
		}

		ref := c.Ref()
		approval, ok, err := v.Last(ctx, ledger.Filter{
			Kinds: []ir.EntryKind{ir.KindReviewApproved},
			Attrs: map[string]string{ir.AttrReportRef: ref},
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.NewReviewPendingError(ref)
		}

		c.State = ir.FinalityFinal
		*out = c.CompositeFinality
		return []ledger.Draft{{
			Kind:       ir.KindFinalityFinal,
			PayloadRef: ref,
			ActorID:    ledger.SystemActor,
			Attrs: ir.IRObject{
				ir.AttrWorkUnitID:  ir.IRString(workUnitID),
				ir.AttrMerkleRoot:  ir.IRString(c.MerkleRoot),
				ir.AttrChallengeID: approval.Attrs[ir.AttrChallengeID],
			},
		}}, nil
	}
}

// Supersede records that newID corrects oldID. The old composite and its
// FINAL entry stay on the ledger unchanged; newID must already be issued
// declaring oldID as the unit it supersedes.
func (a *Aggregator) Supersede(ctx context.Context, oldID, newID, actorID string) (ir.LedgerEntry, error) {
	entries, err := a.ledger.Transact(ctx, actorID, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		plan, ok, err := ledger.IssuedPlan(ctx, v, newID)
		if err != nil {
			return nil, err
		}
		if !ok || plan.WorkUnit.Supersedes != oldID {
			return nil, fault.NewGateValidationError(newID, fault.GateFailure{
				Gate:   "G2",
				Code:   "BEH-SUPERSEDE",
				Class:  "behavioral",
				Field:  "supersedes",
				Detail: fmt.Sprintf("%s is not issued as a successor of %s", newID, oldID),
			})
		}
		prior, done, err := v.Last(ctx, ledger.ByWorkUnit(oldID, ir.KindSuperseded))
		if err != nil {
			return nil, err
		}
		if done {
			c, err := load(ctx, v, oldID)
			if err != nil {
				return nil, err
			}
			return nil, fault.NewImmutabilityError(oldID, c.State,
				"supersede (already superseded by "+prior.Attrs.String(ir.AttrSupersededBy)+")")
		}
		return []ledger.Draft{{
			Kind:       ir.KindSuperseded,
			PayloadRef: oldID,
			ActorID:    actorID,
			Attrs: ir.IRObject{
				ir.AttrWorkUnitID:   ir.IRString(oldID),
				ir.AttrSupersededBy: ir.IRString(newID),
			},
		}}, nil
	})
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	a.logger.Info("work unit superseded", "old", oldID, "new", newID)
	return entries[0], nil
}

// InclusionProof proves that subUnitID's proof is committed to by the
// sealed merkle root of workUnitID.
func (a *Aggregator) InclusionProof(ctx context.Context, workUnitID, subUnitID string) (Inclusion, error) {
	c, err := load(ctx, a.ledger, workUnitID)
	if err != nil {
		return Inclusion{}, err
	}
	if c.State != ir.FinalitySealed && c.State != ir.FinalityFinal {
		return Inclusion{}, fault.NewIncompleteChildProofsError(workUnitID, nil)
	}
	h, ok := c.hashes[subUnitID]
	if !ok {
		return Inclusion{}, fmt.Errorf("%w: no proof for %s", ErrNotInTree, subUnitID)
	}
	return Prove(c.ChildProofRoots, h)
}

// Verify recomputes every proof and the merkle root of workUnitID's
// composite against its reports.
func (a *Aggregator) Verify(ctx context.Context, workUnitID string) error {
	c, err := load(ctx, a.ledger, workUnitID)
	if err != nil {
		return err
	}
	for _, sub := range slices.Sorted(maps.Keys(c.proofs)) {
		p := c.proofs[sub]
		_, reportHash, err := reportOf(ctx, a.ledger, workUnitID, sub)
		if err != nil {
			return err
		}
		if err := a.attestor.Verify(p, reportHash); err != nil {
			return err
		}
		h, err := ir.ProofHash(p)
		if err != nil {
			return err
		}
		if h != c.hashes[sub] {
			return fmt.Errorf("%w: proof hash of %s is %s, recorded %s", ErrBadAttestation, sub, h, c.hashes[sub])
		}
	}
	if c.MerkleRoot == "" {
		return nil
	}
	root, err := MerkleRoot(c.ChildProofRoots)
	if err != nil {
		return err
	}
	if root != c.MerkleRoot {
		return fault.NewIntegrityError(fmt.Sprintf("merkle root of %s recomputes to %s, sealed %s", workUnitID, root, c.MerkleRoot), 0)
	}
	return nil
}
