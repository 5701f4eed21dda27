package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrTemplate — ошибка разбора или рендеринга шаблона аргументов.
var ErrTemplate = errors.New("argument template failed")

// templateData — данные, доступные в шаблонах аргументов дочерних шагов:
//
//	{{ .Args.exchange }}   аргументы родительского шага
//	{{ .Item }}            текущий элемент for_each
//	{{ .Index }}           номер ребёнка
type templateData struct {
	Args  map[string]any
	Item  any
	Index int
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},
	"join":    func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":   func(sep, s string) []string { return strings.Split(s, sep) },
	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// render рендерит строку; строки без "{{" возвращаются как есть.
// Обращение к отсутствующему ключу — ошибка, а не "<no value>".
func render(tmpl string, data templateData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("arg").Option("missingkey=error").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", ErrTemplate, tmpl, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: render %q: %v", ErrTemplate, tmpl, err)
	}
	return buf.String(), nil
}

// renderValue рекурсивно рендерит строки внутри map и slice.
func renderValue(value any, data templateData) (any, error) {
	switch v := value.(type) {
	case string:
		return render(v, data)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			r, err := renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[key] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	default:
		return value, nil
	}
}

// renderArgs рендерит аргументы дочернего шага.
func renderArgs(args map[string]any, data templateData) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	r, err := renderValue(args, data)
	if err != nil {
		return nil, err
	}
	return r.(map[string]any), nil
}
