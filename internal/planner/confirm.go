package planner

import (
	"context"
	"fmt"

	"novel-wash/internal/model"
	"novel-wash/internal/repository"
)

// Confirm фиксирует сохранённый план сессии: проверяет покрытие глав и
// создаёт pending-узлы основной линии. Подтверждённый план не перезаписывается.
func Confirm(ctx context.Context, sessions repository.SessionRepository, sessionID string) (*model.Session, error) {
	return sessions.Update(ctx, sessionID, func(s *model.Session) error {
		if s.PlanConfirmed() {
			return model.ErrPlanConfirmed
		}
		if len(s.PlanEvents) == 0 {
			return fmt.Errorf("no plan to confirm: %w", model.ErrSessionNotReady)
		}
		if ce := Verify(s.PlanEvents, s.ChapterIndex); ce != nil {
			return ce
		}
		s.ConfirmPlan()
		return nil
	})
}
