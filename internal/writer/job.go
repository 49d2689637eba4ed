package writer

import (
	"context"
	"fmt"

	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"
	"novel-wash/shared/utils"

	"go.uber.org/zap"
)

// checkpoint - последний записанный узел. Готовые узлы пропускаются и без него,
// отметка нужна для сообщения о продолжении.
type checkpoint struct {
	CurrentNode int `json:"currentNode"`
	Generated   int `json:"generated"`
}

// Job - процессор очереди generate.
type Job struct {
	writer   *Writer
	renamer  Renamer
	sessions repository.SessionRepository
	pauses   repository.PauseStore
	enqueuer queue.Enqueuer
}

func NewJob(writer *Writer, renamer Renamer, sessions repository.SessionRepository, pauses repository.PauseStore, enqueuer queue.Enqueuer) *Job {
	return &Job{writer: writer, renamer: renamer, sessions: sessions, pauses: pauses, enqueuer: enqueuer}
}

var _ worker.Processor = (*Job)(nil)

func (j *Job) Process(ctx context.Context, run *worker.Run) (worker.Result, error) {
	data := run.Data()
	s, err := j.sessions.Get(ctx, data.SessionID)
	if err != nil {
		return worker.Result{}, worker.PermanentIfMissing("session", data.SessionID, err)
	}

	todo, err := nodesToProcess(s, data)
	if err != nil {
		return worker.Result{}, err
	}
	single := data.NodeID != nil
	modelName := data.Model
	if modelName == "" {
		modelName = j.writer.ContentModel()
	}
	total := len(todo)

	run.Events.Thought(ctx, fmt.Sprintf("Session loaded. %d nodes. Model: %s", len(s.Nodes), modelName), map[string]interface{}{
		"sessionId":  s.ID,
		"totalNodes": len(s.Nodes),
	})
	var cp checkpoint
	if ok, err := run.LoadCheckpoint(&cp); err == nil && ok && cp.CurrentNode > 0 && !single {
		run.Events.Thought(ctx, fmt.Sprintf("Resuming generation after node #%d", cp.CurrentNode), nil)
	}

	if _, err := j.sessions.Update(ctx, s.ID, func(cur *model.Session) error {
		cur.Status = model.SessionExecuting
		return nil
	}); err != nil {
		return worker.Result{}, fmt.Errorf("mark session executing: %w", err)
	}
	run.Progress(ctx, fmt.Sprintf("Starting generation of %d nodes...", total), 0, total)

	generated, failed := 0, 0
	paused := false
	for i, n := range todo {
		if !single && n.Status == model.NodeCompleted && n.Content != "" {
			generated++
			continue
		}

		isPaused, err := j.pauses.IsPaused(ctx, data.SessionID)
		if err != nil {
			run.Logger.Warn("Failed to read pause flag, continuing", zap.Error(err))
		}
		if isPaused {
			run.Events.Emit(ctx, model.EventPaused, "Generation paused by user", map[string]interface{}{"nodeId": n.ID})
			paused = true
			break
		}

		if err := j.generateOne(ctx, run, data.SessionID, n, modelName); err != nil {
			if ctx.Err() != nil {
				return worker.Result{}, ctx.Err()
			}
			failed++
			run.Logger.Error("Error generating node", zap.Int("node_id", n.ID), zap.Error(err))
			j.markNode(ctx, run, data.SessionID, n.ID, model.NodeError)
			run.Events.Error(ctx, fmt.Sprintf("Error generating node %d: %v", n.ID, err), map[string]interface{}{
				"nodeId": n.ID,
				"error":  err.Error(),
			})
			continue
		}
		generated++
		run.Progress(ctx, fmt.Sprintf("Generated node %d", n.ID), i+1, total)

		cp = checkpoint{CurrentNode: n.ID, Generated: generated}
		if err := run.SaveCheckpoint(ctx, cp); err != nil {
			run.Logger.Warn("Failed to save generation checkpoint", zap.Error(err))
		}

		if data.AutoReview {
			j.enqueueReview(ctx, run, n.ID)
		}
	}

	final, err := j.sessions.Update(ctx, data.SessionID, func(cur *model.Session) error {
		if cur.MainLineCompleted() {
			cur.Status = model.SessionCompleted
		}
		return nil
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("update session status: %w", err)
	}

	value := map[string]interface{}{
		"generatedCount": generated,
		"total":          total,
		"errorCount":     failed,
		"paused":         paused,
		"sessionStatus":  final.Status,
	}
	if paused {
		return worker.Result{Message: fmt.Sprintf("Generation paused. %d/%d nodes generated.", generated, total), Value: value}, nil
	}
	return worker.Result{Message: fmt.Sprintf("Generation complete! %d/%d nodes generated.", generated, total), Value: value}, nil
}

// generateOne - полный цикл одного узла: текст, имена, память, сохранение.
func (j *Job) generateOne(ctx context.Context, run *worker.Run, sessionID string, n model.Node, modelName string) error {
	run.Events.Thought(ctx, fmt.Sprintf("Starting node #%d (%s), chapters %d-%d", n.ID, n.Type, n.StartChapter, n.EndChapter), map[string]interface{}{
		"nodeId": n.ID,
		"type":   n.Type,
	})
	s, err := j.sessions.Update(ctx, sessionID, func(cur *model.Session) error {
		cur.PutNode(withStatus(cur, n.ID, model.NodeGenerating))
		return nil
	})
	if err != nil {
		return err
	}
	run.Events.Emit(ctx, model.EventNodeStart, fmt.Sprintf("Starting node #%d: %s...", n.ID, utils.TruncateRunes(n.Description, 40)), map[string]interface{}{
		"nodeId": n.ID,
		"type":   n.Type,
	})

	data := run.Data()
	content, err := j.writer.GenerateNode(ctx, s, n, modelName, data.CustomInstructions)
	if err != nil {
		return err
	}
	if j.renamer != nil && renameEnabled(s, data) {
		content = j.renamer.Rename(ctx, content, s.CharacterMap)
	}
	run.Events.Thought(ctx, fmt.Sprintf("Node #%d complete. %d chars. Updating memory...", n.ID, len([]rune(content))), map[string]interface{}{
		"nodeId":        n.ID,
		"contentLength": len([]rune(content)),
	})

	globalMemory := s.GlobalMemory
	if updated, err := j.writer.UpdateMemory(ctx, globalMemory, content); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.Logger.Warn("Memory update failed, keeping previous memory", zap.Int("node_id", n.ID), zap.Error(err))
	} else {
		globalMemory = updated
		run.Events.Thought(ctx, fmt.Sprintf("Global memory updated (node #%d)", n.ID), map[string]interface{}{"nodeId": n.ID})
	}
	if _, err := j.sessions.Update(ctx, sessionID, func(cur *model.Session) error {
		done := withStatus(cur, n.ID, model.NodeCompleted)
		done.Content = content
		cur.PutNode(done)
		cur.GlobalMemory = globalMemory
		return nil
	}); err != nil {
		return err
	}
	// журнал только для сохранённого узла: повторная доставка после сбоя не задвоит запись
	if err := j.writer.Remember(ctx, sessionID, n); err != nil {
		run.Logger.Warn("Failed to append memory log entry", zap.Int("node_id", n.ID), zap.Error(err))
	}
	run.Events.Emit(ctx, model.EventNodeReady, fmt.Sprintf("Node %d generated", n.ID), map[string]interface{}{
		"nodeId":  n.ID,
		"content": content,
	})
	return nil
}

func (j *Job) markNode(ctx context.Context, run *worker.Run, sessionID string, id int, status model.NodeStatus) {
	if _, err := j.sessions.Update(ctx, sessionID, func(cur *model.Session) error {
		cur.PutNode(withStatus(cur, id, status))
		return nil
	}); err != nil {
		run.Logger.Warn("Failed to update node status", zap.Int("node_id", id), zap.Error(err))
	}
}

func (j *Job) enqueueReview(ctx context.Context, run *worker.Run, nodeID int) {
	data := run.Data()
	run.Events.Thought(ctx, fmt.Sprintf("Auto-review enabled. Sending node %d for review...", nodeID), map[string]interface{}{"nodeId": nodeID})
	if _, err := j.enqueuer.Enqueue(ctx, queue.QueueReview, queue.JobData{
		SessionID: data.SessionID,
		TaskID:    data.TaskID,
		NodeID:    model.IntPtr(nodeID),
		AutoFix:   true,
	}, queue.EnqueueOptions{}); err != nil {
		run.Events.Warning(ctx, fmt.Sprintf("Failed to enqueue review for node %d: %v", nodeID, err), map[string]interface{}{"nodeId": nodeID})
	}
}

// withStatus - текущая версия узла с новым статусом.
func withStatus(s *model.Session, id int, status model.NodeStatus) model.Node {
	n, _ := s.Node(id)
	n.Status = status
	return n
}

func renameEnabled(s *model.Session, data queue.JobData) bool {
	if len(s.CharacterMap) == 0 {
		return false
	}
	return data.RemapCharacters || (s.ContentAnalysis != nil && s.ContentAnalysis.RemapCharacters)
}

// nodesToProcess - один узел при перегенерации или основная линия от StartFromNode.
func nodesToProcess(s *model.Session, data queue.JobData) ([]model.Node, error) {
	if data.NodeID != nil {
		n, ok := s.Node(*data.NodeID)
		if !ok {
			return nil, queue.Permanent(fmt.Errorf("node %d: %w", *data.NodeID, model.ErrNotFound))
		}
		return []model.Node{n}, nil
	}
	main := s.SortedNodes(true)
	if len(main) == 0 {
		return nil, queue.Permanent(fmt.Errorf("no confirmed nodes to generate: %w", model.ErrSessionNotReady))
	}
	if data.StartFromNode == nil {
		return main, nil
	}
	out := make([]model.Node, 0, len(main))
	for _, n := range main {
		if n.ID >= *data.StartFromNode {
			out = append(out, n)
		}
	}
	return out, nil
}
