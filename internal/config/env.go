// Package config — чтение настроек процессов из переменных окружения.
//
// Все значения имеют умолчания для локальной разработки; неверное
// значение — ошибка старта, а не молчаливый откат к умолчанию.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
)

// String возвращает значение переменной или def.
func String(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// Int разбирает целое значение переменной.
func Int(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// Duration разбирает длительность в формате time.ParseDuration.
func Duration(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// Groups разбирает список групп через запятую. Пусто — только default.
func Groups(name string) []string {
	var groups []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(os.Getenv(name), ",") {
		g := strings.TrimSpace(part)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return []string{domain.DefaultGroup}
	}
	return groups
}

// Addr возвращает адрес HTTP-листенера ":<port>" из переменной name.
func Addr(name, defPort string) string {
	return ":" + String(name, defPort)
}

// NetworkIdentity — сетевая идентичность процесса для окон лимитов бирж:
// NETWORK_IDENTITY или hostname.
func NetworkIdentity() string {
	if v := String("NETWORK_IDENTITY", ""); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
