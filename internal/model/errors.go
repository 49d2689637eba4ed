package model

import "errors"

var (
	// ErrNotFound - запись не найдена в хранилище.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotReady - сессия ещё не в нужной стадии для задачи.
	ErrSessionNotReady = errors.New("session is not ready for this stage")
	// ErrPlanConfirmed - план уже подтверждён и превращён в узлы.
	ErrPlanConfirmed = errors.New("plan already confirmed")
)
