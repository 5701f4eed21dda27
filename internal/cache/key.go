package cache

import (
	"strconv"
	"strings"
)

// Key — ключ кэша как упорядоченный список сегментов, склеенных через ":".
//
// Сегменты экранируются, поэтому значение с ":" внутри не может
// совпасть с ключом из другого набора сегментов.
type Key struct {
	parts []string
}

// NewKey создаёт ключ из сегментов.
func NewKey(parts ...string) Key {
	return Key{}.Append(parts...)
}

// Append возвращает новый ключ с добавленными сегментами.
func (k Key) Append(parts ...string) Key {
	next := make([]string, 0, len(k.parts)+len(parts))
	next = append(next, k.parts...)
	for _, p := range parts {
		next = append(next, escape(p))
	}
	return Key{parts: next}
}

// Field добавляет пару «имя:значение».
func (k Key) Field(name, value string) Key {
	return k.Append(name, value)
}

// ID добавляет числовой сегмент.
func (k Key) ID(id int64) Key {
	return k.Append(strconv.FormatInt(id, 10))
}

// IsZero возвращает true для пустого ключа.
func (k Key) IsZero() bool {
	return len(k.parts) == 0
}

// String возвращает ключ в формате Redis.
func (k Key) String() string {
	return strings.Join(k.parts, ":")
}

var escaper = strings.NewReplacer("%", "%25", ":", "%3A")

func escape(s string) string {
	if !strings.ContainsAny(s, "%:") {
		return s
	}
	return escaper.Replace(s)
}
