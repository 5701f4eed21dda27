package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrStateConflict — состояние шага в БД изменилось с момента чтения
	// (compare-and-swap не прошёл).
	ErrStateConflict = errors.New("state conflict")
)
