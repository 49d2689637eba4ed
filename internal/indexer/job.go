package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"go.uber.org/zap"
)

const previewSize = 20

// checkpoint - проиндексированные главы по порядку и собранные упоминания персонажей.
type checkpoint struct {
	Entries  []model.ChapterIndex `json:"entries"`
	Mentions []Mention            `json:"mentions,omitempty"`
	Fallback int                  `json:"fallback"`
}

// Job - процессор очереди index.
type Job struct {
	indexer  *Indexer
	sessions repository.SessionRepository
}

func NewJob(indexer *Indexer, sessions repository.SessionRepository) *Job {
	return &Job{indexer: indexer, sessions: sessions}
}

var _ worker.Processor = (*Job)(nil)

func (j *Job) Process(ctx context.Context, run *worker.Run) (worker.Result, error) {
	data := run.Data()
	s, err := j.sessions.Get(ctx, data.SessionID)
	if err != nil {
		return worker.Result{}, worker.PermanentIfMissing("session", data.SessionID, err)
	}
	chapters := s.SortedChapters()
	if len(chapters) == 0 {
		return worker.Result{}, queue.Permanent(fmt.Errorf("session has no chapters: %w", model.ErrSessionNotReady))
	}
	remap := data.RemapCharacters || (s.ContentAnalysis != nil && s.ContentAnalysis.RemapCharacters)
	total := len(chapters)

	var cp checkpoint
	if ok, err := run.LoadCheckpoint(&cp); err != nil || !ok || len(cp.Entries) > total {
		if err != nil {
			run.Logger.Warn("Ignoring unreadable checkpoint", zap.Error(err))
		}
		cp = checkpoint{}
	}
	if len(cp.Entries) > 0 {
		run.Events.Thought(ctx, fmt.Sprintf("Resuming indexing from chapter %d", len(cp.Entries)+1), nil)
	}
	run.Progress(ctx, fmt.Sprintf("Starting indexing of %d chapters...", total), len(cp.Entries), total)

	batchSize := j.indexer.BatchSize()
	for start := len(cp.Entries); start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		batch := chapters[start:end]
		entries, err := j.indexer.IndexBatch(ctx, batch, data.Model)
		if err != nil {
			return worker.Result{}, err
		}
		for _, e := range entries {
			cp.Entries = append(cp.Entries, e.Index)
			if remap {
				cp.Mentions = append(cp.Mentions, e.Mentions...)
			}
			if e.Fallback {
				cp.Fallback++
			}
		}

		run.Progress(ctx, fmt.Sprintf("Indexed %d/%d chapters", len(cp.Entries), total), len(cp.Entries), total)
		run.Events.Log(ctx, fmt.Sprintf("Completed batch: chapters %d - %d", batch[0].Number, batch[len(batch)-1].Number), nil)
		if err := run.SaveCheckpoint(ctx, cp); err != nil {
			run.Logger.Warn("Failed to save indexing checkpoint", zap.Error(err))
		}
	}

	index := append([]model.ChapterIndex(nil), cp.Entries...)
	sort.SliceStable(index, func(a, b int) bool { return index[a].Number < index[b].Number })
	analysis := Analyze(chapters)
	analysis.RemapCharacters = remap

	if _, err := j.sessions.Update(ctx, data.SessionID, func(cur *model.Session) error {
		cur.ChapterIndex = index
		cur.ContentAnalysis = &analysis
		cur.Status = model.SessionPlanning
		return nil
	}); err != nil {
		return worker.Result{}, fmt.Errorf("save chapter index: %w", err)
	}

	if remap {
		j.buildCharacterMap(ctx, run, cp.Mentions)
	}

	if cp.Fallback > 0 {
		run.Events.Warning(ctx, fmt.Sprintf("%d chapters were indexed with placeholder entries", cp.Fallback), map[string]interface{}{"fallbackCount": cp.Fallback})
	}
	run.Logger.Info("Indexing complete",
		zap.Int("chapters", len(index)),
		zap.String("recommended_mode", string(analysis.RecommendedMode)),
		zap.Int("target_nodes", analysis.TargetNodeCount))

	return worker.Result{
		Message: fmt.Sprintf("Indexing complete! %d chapters indexed.", len(index)),
		Value: map[string]interface{}{
			"indexedCount":  len(index),
			"fallbackCount": cp.Fallback,
			"analysis":      analysis,
		},
	}, nil
}

// buildCharacterMap не валит задачу: без карты переименование просто не применяется.
func (j *Job) buildCharacterMap(ctx context.Context, run *worker.Run, mentions []Mention) {
	summary := AggregateCharacters(mentions)
	if len(summary) == 0 {
		return
	}
	run.Events.Thought(ctx, fmt.Sprintf("Building character map from %d characters", len(summary)), nil)
	m, err := j.indexer.BuildCharacterMap(ctx, summary)
	if err != nil {
		characterMapFailures.Inc()
		run.Logger.Warn("Failed to build character map", zap.Error(err))
		run.Events.Warning(ctx, "Failed to build character map: "+err.Error(), nil)
		return
	}
	if len(m) == 0 {
		return
	}
	if _, err := j.sessions.Update(ctx, run.Data().SessionID, func(cur *model.Session) error {
		cur.CharacterMap = m
		return nil
	}); err != nil {
		characterMapFailures.Inc()
		run.Logger.Warn("Failed to save character map", zap.Error(err))
		return
	}

	keys := PreviewKeys(m, previewSize)
	preview := make(map[string]string, len(keys))
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		preview[k] = m[k]
		lines = append(lines, k+" -> "+m[k])
	}
	run.Events.Log(ctx, "Character map built. Example mappings:\n"+strings.Join(lines, "\n"), map[string]interface{}{
		"characterMapPreview": preview,
		"totalMappings":       len(m),
	})
}
