package planner

import (
	"context"
	"fmt"

	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"go.uber.org/zap"
)

// Job - процессор очереди plan.
type Job struct {
	planner  *Planner
	sessions repository.SessionRepository
}

func NewJob(planner *Planner, sessions repository.SessionRepository) *Job {
	return &Job{planner: planner, sessions: sessions}
}

var _ worker.Processor = (*Job)(nil)

func (j *Job) Process(ctx context.Context, run *worker.Run) (worker.Result, error) {
	data := run.Data()
	session, err := j.sessions.Get(ctx, data.SessionID)
	if err != nil {
		return worker.Result{}, worker.PermanentIfMissing("session", data.SessionID, err)
	}
	if session.PlanConfirmed() {
		return worker.Result{}, queue.Permanent(fmt.Errorf("session %s: %w", data.SessionID, model.ErrPlanConfirmed))
	}
	if len(session.ChapterIndex) == 0 {
		return worker.Result{}, queue.Permanent(fmt.Errorf("no chapter index found: %w", model.ErrSessionNotReady))
	}

	mode := data.Mode
	if mode == "" {
		mode = model.ModeAuto
	}
	target := data.TargetNodeCount
	if target <= 0 {
		if session.ContentAnalysis != nil && session.ContentAnalysis.TargetNodeCount > 0 {
			target = session.ContentAnalysis.TargetNodeCount
		} else {
			target = DefaultTarget(len(session.ChapterIndex))
		}
	}
	modelName := data.Model
	if modelName == "" {
		modelName = j.planner.cfg.Model
	}

	run.Events.Thought(ctx, fmt.Sprintf("Planning %d chapters (mode=%s, target=%d)", len(session.ChapterIndex), mode, target), map[string]interface{}{
		"worker":                   "planner",
		"mode":                     mode,
		"userTargetNodeCount":      data.TargetNodeCount,
		"effectiveTargetNodeCount": target,
		"model":                    modelName,
	})
	run.Progress(ctx, "Starting event planning...", 0, 1)

	plan, rep, err := j.planner.PlanWith(ctx, Request{
		Index:              session.ChapterIndex,
		Mode:               mode,
		Target:             target,
		CustomInstructions: data.CustomInstructions,
		Model:              modelName,
		OnBatch: func(done, total int) {
			run.Progress(ctx, fmt.Sprintf("Planned batch %d/%d", done, total), done, total)
		},
	})
	if err != nil {
		return worker.Result{}, err
	}

	for _, g := range rep.PatchedGaps {
		run.Events.Log(ctx, fmt.Sprintf("Chapters %d-%d were not covered, added transition node", g.Start, g.End), map[string]interface{}{"gap": g})
	}
	if !rep.WithinTarget {
		run.Events.Warning(ctx, fmt.Sprintf("Plan has %d nodes, target was %d", len(plan), target), map[string]interface{}{
			"eventCount": len(plan),
			"target":     target,
		})
	}
	if rep.Coverage != nil {
		run.Events.Warning(ctx, rep.Coverage.Error(), map[string]interface{}{
			"missing":     rep.Coverage.Missing,
			"overlapping": rep.Coverage.Overlapping,
		})
	}

	_, err = j.sessions.Update(ctx, data.SessionID, func(s *model.Session) error {
		// подтверждение могло пройти, пока шло планирование
		if s.PlanConfirmed() {
			return queue.Permanent(fmt.Errorf("session %s: %w", data.SessionID, model.ErrPlanConfirmed))
		}
		analysis := model.ContentAnalysis{}
		if s.ContentAnalysis != nil {
			analysis = *s.ContentAnalysis
		}
		analysis.LastPlanEventCount = len(plan)
		if data.TargetNodeCount > 0 {
			analysis.LastPlanUserTarget = model.IntPtr(data.TargetNodeCount)
		} else {
			analysis.LastPlanUserTarget = nil
		}
		s.ContentAnalysis = &analysis
		s.PlanEvents = plan
		s.Status = model.SessionPlanning
		return nil
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("save plan: %w", err)
	}

	run.Logger.Info("Plan saved", zap.Int("events", len(plan)), zap.Bool("within_target", rep.WithinTarget))
	return worker.Result{
		Message: fmt.Sprintf("Planning complete! Generated %d event nodes.", len(plan)),
		Value: map[string]interface{}{
			"eventCount":   len(plan),
			"target":       target,
			"withinTarget": rep.WithinTarget,
			"patchedGaps":  len(rep.PatchedGaps),
			"events":       plan,
		},
	}, nil
}
