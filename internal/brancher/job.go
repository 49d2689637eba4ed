package brancher

import (
	"context"
	"errors"
	"fmt"

	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"go.uber.org/zap"
)

// ErrNoBranches - модель не предложила ни одной годной ветки.
var ErrNoBranches = errors.New("branch planning produced no branches")

// checkpoint - план веток и число уже сохранённых. Повторная доставка не планирует заново.
type checkpoint struct {
	Items []model.BranchPlanItem `json:"items"`
	Done  int                    `json:"done"`
}

// Job - процессор очереди branch.
type Job struct {
	brancher *Brancher
	renamer  *Renamer
	sessions repository.SessionRepository
}

func NewJob(brancher *Brancher, renamer *Renamer, sessions repository.SessionRepository) *Job {
	return &Job{brancher: brancher, renamer: renamer, sessions: sessions}
}

var _ worker.Processor = (*Job)(nil)

func (j *Job) Process(ctx context.Context, run *worker.Run) (worker.Result, error) {
	data := run.Data()
	s, err := j.sessions.Get(ctx, data.SessionID)
	if err != nil {
		return worker.Result{}, worker.PermanentIfMissing("session", data.SessionID, err)
	}
	if s.Status != model.SessionCompleted {
		return worker.Result{}, queue.Permanent(fmt.Errorf("session must be completed before branching (status %s): %w", s.Status, model.ErrSessionNotReady))
	}
	main := s.SortedNodes(true)
	if len(main) == 0 {
		return worker.Result{}, queue.Permanent(fmt.Errorf("no main-line nodes found for branching: %w", model.ErrSessionNotReady))
	}

	br := j.brancher.WithModel(data.Model)

	var cp checkpoint
	resumed, err := run.LoadCheckpoint(&cp)
	if err != nil {
		run.Logger.Warn("Ignoring unreadable checkpoint", zap.Error(err))
		resumed = false
	}
	if resumed && len(cp.Items) > 0 {
		run.Events.Thought(ctx, fmt.Sprintf("Resuming branching: %d of %d branches already saved", cp.Done, len(cp.Items)), nil)
	} else {
		cp, err = j.plan(ctx, run, br, main)
		if err != nil {
			return worker.Result{}, err
		}
	}

	cfg := br.cfg
	remap := s.ContentAnalysis != nil && s.ContentAnalysis.RemapCharacters && len(s.CharacterMap) > 0
	total := len(cp.Items)
	created := 0

	for i := cp.Done; i < total; i++ {
		item := cp.Items[i]
		from, ok := s.Node(item.FromNodeID)
		if !ok {
			run.Events.Warning(ctx, fmt.Sprintf("Main node #%d disappeared, skipping branch", item.FromNodeID), nil)
			cp.Done = i + 1
			continue
		}
		run.Progress(ctx, fmt.Sprintf("Generating %s branch %d/%d from node #%d", item.Type, i+1, total, item.FromNodeID), i, total)

		evs, err := br.PlanEvents(ctx, item, main, cfg.MinEvents, cfg.MaxEvents)
		if err != nil {
			return worker.Result{}, fmt.Errorf("plan events for branch %d: %w", i+1, err)
		}
		text, err := br.WriteBranch(ctx, s, item, evs)
		if err != nil {
			return worker.Result{}, fmt.Errorf("write branch %d: %w", i+1, err)
		}
		if remap {
			run.Events.Thought(ctx, fmt.Sprintf("Applying character rename for branch from node #%d", item.FromNodeID), map[string]interface{}{
				"fromNodeId":       item.FromNodeID,
				"characterMapSize": len(s.CharacterMap),
			})
			text = j.renamer.Rename(ctx, text, s.CharacterMap)
		}
		segments := SegmentIntoNodes(text, cfg.MinNodes, cfg.MaxNodes, cfg.IdealNodeChars)
		if len(segments) == 0 {
			run.Events.Warning(ctx, fmt.Sprintf("Branch from node #%d produced no text", item.FromNodeID), nil)
			cp.Done = i + 1
			continue
		}

		branchID := fmt.Sprintf("%s-%d", run.Task.ID, i+1)
		var nodes []model.Node
		updated, err := j.sessions.Update(ctx, data.SessionID, func(cur *model.Session) error {
			nodes = nil
			for _, n := range cur.Nodes {
				if n.BranchID == branchID {
					// ветка уже сохранена до сбоя
					return nil
				}
			}
			nodes = BuildBranchNodes(branchID, item, from, segments, cur.MaxNodeID()+1)
			for _, n := range nodes {
				cur.PutNode(n)
			}
			return nil
		})
		if err != nil {
			return worker.Result{}, fmt.Errorf("save branch %d: %w", i+1, err)
		}
		s = updated

		for k, n := range nodes {
			branchNodesCreated.WithLabelValues(string(item.Type)).Inc()
			run.Events.Log(ctx, fmt.Sprintf("Generated branch node #%d (segment %d/%d) from main node #%d (%s)", n.ID, k+1, len(nodes), item.FromNodeID, item.Type), map[string]interface{}{
				"branchId":     n.ID,
				"fromNodeId":   item.FromNodeID,
				"type":         item.Type,
				"segmentIndex": k,
			})
		}
		created += len(nodes)

		cp.Done = i + 1
		if err := run.SaveCheckpoint(ctx, cp); err != nil {
			run.Logger.Warn("Failed to save branch checkpoint", zap.Error(err))
		}
	}

	run.Progress(ctx, "Branching complete", total, total)
	divergent, convergent := countTypes(cp.Items)
	return worker.Result{
		Message: "Auto-branching complete.",
		Value: map[string]interface{}{
			"branchCount": total,
			"divergent":   divergent,
			"convergent":  convergent,
			"nodeCount":   created,
		},
	}, nil
}

func (j *Job) plan(ctx context.Context, run *worker.Run, br *Brancher, main []model.Node) (checkpoint, error) {
	data := run.Data()
	cfg := br.cfg
	targetD, targetC := cfg.TargetDivergent, cfg.TargetConvergent
	if data.TargetDivergent > 0 {
		targetD = data.TargetDivergent
	}
	if data.TargetConvergent > 0 {
		targetC = data.TargetConvergent
	}

	run.Events.Thought(ctx, fmt.Sprintf("Loaded %d main-line nodes, planning branches...", len(main)), map[string]interface{}{
		"targetDivergent":  targetD,
		"targetConvergent": targetC,
	})
	items, rep, err := br.PlanBranches(ctx, main, targetD, targetC)
	if err != nil {
		return checkpoint{}, err
	}
	for _, r := range rep.Rejected {
		run.Events.Log(ctx, "Discarded branch candidate: "+r.Error(), map[string]interface{}{"reason": r.Reason})
	}
	if len(items) == 0 {
		return checkpoint{}, ErrNoBranches
	}
	if rep.UnderTarget {
		d, c := countTypes(items)
		run.Events.Warning(ctx, fmt.Sprintf("Model proposed fewer branches than requested: %d/%d divergent, %d/%d convergent", d, targetD, c, targetC), map[string]interface{}{
			"divergent":        d,
			"convergent":       c,
			"targetDivergent":  targetD,
			"targetConvergent": targetC,
		})
	}
	run.Events.Thought(ctx, fmt.Sprintf("Planned %d branches. Generating branch content...", len(items)), nil)

	cp := checkpoint{Items: items}
	if err := run.SaveCheckpoint(ctx, cp); err != nil {
		run.Logger.Warn("Failed to save branch plan checkpoint", zap.Error(err))
	}
	return cp, nil
}

func countTypes(items []model.BranchPlanItem) (divergent, convergent int) {
	for _, it := range items {
		if it.Type == model.BranchDivergent {
			divergent++
		} else {
			convergent++
		}
	}
	return divergent, convergent
}
