package reviewer

import (
	"context"
	"fmt"
	"strings"

	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"
	"novel-wash/internal/writer"

	"go.uber.org/zap"
)

// Job - процессор очереди review. С NodeID проверяет один узел, без него все готовые.
type Job struct {
	reviewer *Reviewer
	sessions repository.SessionRepository
	enqueuer queue.Enqueuer
}

func NewJob(reviewer *Reviewer, sessions repository.SessionRepository, enqueuer queue.Enqueuer) *Job {
	return &Job{reviewer: reviewer, sessions: sessions, enqueuer: enqueuer}
}

var _ worker.Processor = (*Job)(nil)

type nodeReview struct {
	NodeID int      `json:"nodeId"`
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
}

func (j *Job) Process(ctx context.Context, run *worker.Run) (worker.Result, error) {
	data := run.Data()
	single := data.NodeID != nil
	modelName := data.Model
	if modelName == "" {
		modelName = j.reviewer.Model()
	}
	mode := "batch"
	if single {
		mode = "single"
	}
	run.Events.Thought(ctx, fmt.Sprintf("Starting review (mode=%s, autoFix=%t, model=%s)", mode, data.AutoFix, modelName), map[string]interface{}{
		"worker":  "reviewer",
		"mode":    mode,
		"autoFix": data.AutoFix,
		"model":   modelName,
	})

	s, err := j.sessions.Get(ctx, data.SessionID)
	if err != nil {
		return worker.Result{}, worker.PermanentIfMissing("session", data.SessionID, err)
	}
	targets := reviewTargets(s, data.NodeID)
	total := len(targets)
	if single && total == 0 {
		// узел перегенерируется или уже пропал: оценивать нечего
		run.Logger.Info("Node is not ready for review", zap.Int("node_id", *data.NodeID))
		return worker.Result{
			Message: fmt.Sprintf("Node %d is not ready for review", *data.NodeID),
			Value:   map[string]interface{}{"nodeId": *data.NodeID, "reviewed": false},
		}, nil
	}
	if !single {
		run.Progress(ctx, fmt.Sprintf("Starting review of %d nodes...", total), 0, total)
	}

	reviews := make([]nodeReview, 0, total)
	scores := make([]int, 0, total)
	rerolled := 0
	for i, n := range targets {
		run.Events.Thought(ctx, fmt.Sprintf("Reviewing node %d (%d/%d)...", n.ID, i+1, total), map[string]interface{}{"nodeId": n.ID})

		res, err := j.reviewer.Review(ctx, n, modelName)
		if err != nil {
			if ctx.Err() != nil {
				return worker.Result{}, ctx.Err()
			}
			reviewFailures.Inc()
			run.Logger.Warn("Review failed", zap.Int("node_id", n.ID), zap.Error(err))
			run.Events.Warning(ctx, fmt.Sprintf("Failed to review node %d: %v", n.ID, err), map[string]interface{}{"nodeId": n.ID})
			continue
		}
		score := int(res.Score)
		reviewScores.Observe(float64(score))
		reviews = append(reviews, nodeReview{NodeID: n.ID, Score: score, Issues: res.Issues})
		scores = append(scores, score)

		stored, err := j.storeScore(ctx, data.SessionID, n.ID, score)
		if err != nil {
			run.Logger.Warn("Failed to store quality score", zap.Int("node_id", n.ID), zap.Error(err))
			continue
		}
		msg := fmt.Sprintf("Node %d quality: %d/5", n.ID, score)
		if len(res.Issues) > 0 {
			msg += ". Issues: " + strings.Join(res.Issues, "; ")
		}
		run.Events.Log(ctx, msg, map[string]interface{}{
			"nodeId": n.ID,
			"score":  score,
			"issues": res.Issues,
		})

		if data.AutoFix && NeedsFix(score, stored.RerollCount) {
			switch {
			case !stored.IsMain():
				// генерация переписывает только основную линию
				run.Logger.Info("Low scored branch node is not re-rolled", zap.Int("node_id", n.ID), zap.Int("score", score))
			case j.autoFix(ctx, run, n.ID, score, stored.RerollCount):
				rerolled++
			}
		}
		if !single {
			run.Progress(ctx, fmt.Sprintf("Reviewed node %d", n.ID), i+1, total)
		}
	}

	if single {
		value := map[string]interface{}{"nodeId": *data.NodeID, "reviewed": len(reviews) == 1, "rerolled": rerolled > 0}
		if len(reviews) == 1 {
			value["score"] = reviews[0].Score
			return worker.Result{Message: fmt.Sprintf("Node %d quality: %d/5", *data.NodeID, reviews[0].Score), Value: value}, nil
		}
		return worker.Result{Message: fmt.Sprintf("Review of node %d failed", *data.NodeID), Value: value}, nil
	}

	sum := Summarize(scores)
	return worker.Result{
		Message: fmt.Sprintf("Review complete! Average score: %.1f/5", sum.AvgScore),
		Value: map[string]interface{}{
			"reviewedCount": sum.Reviewed,
			"avgScore":      sum.AvgScore,
			"lowScoreCount": sum.LowScore,
			"rerolledCount": rerolled,
			"reviews":       reviews,
		},
	}, nil
}

// storeScore записывает оценку и возвращает актуальную версию узла.
func (j *Job) storeScore(ctx context.Context, sessionID string, nodeID, score int) (model.Node, error) {
	var stored model.Node
	_, err := j.sessions.Update(ctx, sessionID, func(s *model.Session) error {
		n, ok := s.Node(nodeID)
		if !ok {
			return fmt.Errorf("node %d: %w", nodeID, model.ErrNotFound)
		}
		n.QualityScore = model.IntPtr(score)
		s.PutNode(n)
		stored = n
		return nil
	})
	return stored, err
}

// autoFix сбрасывает узел и ставит его перегенерацию с повторным ревью под той же задачей.
func (j *Job) autoFix(ctx context.Context, run *worker.Run, nodeID, score, rerollCount int) bool {
	data := run.Data()
	run.Events.Thought(ctx, fmt.Sprintf("Score %d too low. Triggering auto re-roll (attempt %d/%d)...", score, rerollCount+1, MaxAutoRerolls), map[string]interface{}{"nodeId": nodeID})

	if _, err := writer.Reroll(ctx, j.sessions, data.SessionID, nodeID); err != nil {
		run.Events.Warning(ctx, fmt.Sprintf("Failed to reset node %d for re-roll: %v", nodeID, err), map[string]interface{}{"nodeId": nodeID})
		return false
	}
	if _, err := j.enqueuer.Enqueue(ctx, queue.QueueGenerate, queue.JobData{
		SessionID:          data.SessionID,
		TaskID:             data.TaskID,
		NodeID:             model.IntPtr(nodeID),
		AutoReview:         true,
		RemapCharacters:    data.RemapCharacters,
		CustomInstructions: data.CustomInstructions,
	}, queue.EnqueueOptions{}); err != nil {
		run.Events.Warning(ctx, fmt.Sprintf("Failed to enqueue re-roll of node %d: %v", nodeID, err), map[string]interface{}{"nodeId": nodeID})
		return false
	}
	autoRerolls.Inc()
	run.Events.Emit(ctx, model.EventReroll, fmt.Sprintf("Node %d re-rolling...", nodeID), map[string]interface{}{
		"nodeId":      nodeID,
		"rerollCount": rerollCount + 1,
	})
	return true
}

// reviewTargets - готовые узлы по id. С nodeID только он, если готов.
func reviewTargets(s *model.Session, nodeID *int) []model.Node {
	if nodeID != nil {
		n, ok := s.Node(*nodeID)
		if !ok || !Reviewable(n) {
			return nil
		}
		return []model.Node{n}
	}
	out := make([]model.Node, 0, len(s.Nodes))
	for _, n := range s.SortedNodes(false) {
		if Reviewable(n) {
			out = append(out, n)
		}
	}
	return out
}
