package storage

import (
	"context"
	"fmt"
	"math"
	"strings"

	"taskpanel/internal/task"
)

// Filter operations accepted in list queries and saved views.
const (
	OpReg    = "Reg"
	OpNotReg = "NotReg"
	OpIn     = "In"
	OpNin    = "Nin"
	OpEq     = "Eq"
	OpNe     = "Ne"
)

const (
	RelationAnd = "and"
	RelationOr  = "or"
)

// Filter is one property predicate.
type Filter struct {
	Property  string `json:"property"`
	Operation string `json:"operation"`
	Value     any    `json:"value"`
}

// Sort orders by one property, Type is "ASC" or "DESC".
type Sort struct {
	Property string `json:"property"`
	Type     string `json:"type"`
}

// ListOptions drives QueryTasks.
type ListOptions struct {
	SearchValue    string
	Filters        []Filter
	FilterRelation string
	Sorts          []Sort
	ViewID         int64
	Page           int
	Size           int
}

// ListResult is one page of tasks plus the total match count.
type ListResult struct {
	Data  []task.Task `json:"data"`
	Total int         `json:"total"`
}

// columns maps the accepted property names to SQL columns. Both the JSON
// names and their camelCase forms are accepted.
var columns = map[string]string{
	"id":                       "id",
	"name":                     "name",
	"command":                  "command",
	"schedule":                 "schedule",
	"status":                   "status",
	"is_disabled":              "is_disabled",
	"isDisabled":               "is_disabled",
	"pid":                      "pid",
	"is_pinned":                "is_pinned",
	"isPinned":                 "is_pinned",
	"labels":                   "labels",
	"saved":                    "saved",
	"last_running_time":        "last_running_time",
	"lastRunningTime":          "last_running_time",
	"last_execution_time":      "last_execution_time",
	"lastExecutionTime":        "last_execution_time",
	"created_at":               "created_at",
	"createdAt":                "created_at",
	"updated_at":               "updated_at",
	"updatedAt":                "updated_at",
	"allow_multiple_instances": "allow_multiple_instances",
	"allowMultipleInstances":   "allow_multiple_instances",
}

const defaultOrder = "is_pinned DESC, is_disabled ASC, status ASC, id DESC"

// QueryTasks returns one page of tasks matching opt. A ViewID merges the
// saved view's filters and sorts in front of the explicit ones.
func (s *Store) QueryTasks(ctx context.Context, opt ListOptions) (ListResult, error) {
	if opt.ViewID > 0 {
		v, err := s.GetView(ctx, opt.ViewID)
		if err != nil {
			return ListResult{}, err
		}
		opt.Filters = append(append([]Filter(nil), v.Filters...), opt.Filters...)
		opt.Sorts = append(append([]Sort(nil), v.Sorts...), opt.Sorts...)
		if opt.FilterRelation == "" {
			opt.FilterRelation = v.FilterRelation
		}
	}

	where, args, err := buildWhere(opt)
	if err != nil {
		return ListResult{}, err
	}
	order, err := buildOrder(opt.Sorts)
	if err != nil {
		return ListResult{}, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return ListResult{}, err
	}

	q := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY ` + order
	if opt.Size > 0 {
		page := opt.Page
		if page < 1 {
			page = 1
		}
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opt.Size, (page-1)*opt.Size)
	}
	data, err := queryTasks(ctx, s.db, q, args...)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Data: data, Total: total}, nil
}

func buildWhere(opt ListOptions) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	if c, a := searchClause(opt.SearchValue); c != "" {
		clauses = append(clauses, c)
		args = append(args, a...)
	}

	if len(opt.Filters) > 0 {
		joiner := " AND "
		switch strings.ToLower(opt.FilterRelation) {
		case "", RelationAnd:
		case RelationOr:
			joiner = " OR "
		default:
			return "", nil, &task.ValidationError{Field: "filter_relation", Reason: fmt.Sprintf("unknown relation %q", opt.FilterRelation)}
		}
		parts := make([]string, 0, len(opt.Filters))
		for _, f := range opt.Filters {
			c, a, err := filterClause(f)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, c)
			args = append(args, a...)
		}
		clauses = append(clauses, "("+strings.Join(parts, joiner)+")")
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// searchClause understands "name:", "command:", "schedule:" and "label:"
// prefixes; anything else matches any of those fields.
func searchClause(raw string) (string, []any) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", nil
	}
	if i := strings.Index(v, ":"); i > 0 {
		key, val := strings.ToLower(strings.TrimSpace(v[:i])), strings.TrimSpace(v[i+1:])
		switch key {
		case "name", "command", "schedule":
			return key + ` LIKE ? ESCAPE '\'`, []any{likeArg(val)}
		case "label", "labels":
			return `EXISTS (SELECT 1 FROM json_each(tasks.labels) WHERE json_each.value LIKE ? ESCAPE '\')`, []any{likeArg(val)}
		}
	}
	p := likeArg(v)
	return `(name LIKE ? ESCAPE '\' OR command LIKE ? ESCAPE '\' OR schedule LIKE ? ESCAPE '\' OR labels LIKE ? ESCAPE '\')`,
		[]any{p, p, p, p}
}

func likeArg(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(v) + "%"
}

func filterClause(f Filter) (string, []any, error) {
	col, ok := columns[f.Property]
	if !ok {
		return "", nil, &task.ValidationError{Field: "filters", Reason: fmt.Sprintf("unknown property %q", f.Property)}
	}

	if col == "labels" {
		return labelClause(f)
	}

	switch f.Operation {
	case OpReg:
		return col + ` LIKE ? ESCAPE '\'`, []any{likeArg(fmt.Sprint(f.Value))}, nil
	case OpNotReg:
		return col + ` NOT LIKE ? ESCAPE '\'`, []any{likeArg(fmt.Sprint(f.Value))}, nil
	case OpEq:
		return col + ` = ?`, []any{sqlValue(f.Value)}, nil
	case OpNe:
		return col + ` <> ?`, []any{sqlValue(f.Value)}, nil
	case OpIn, OpNin:
		vals := listValue(f.Value)
		if len(vals) == 0 {
			if f.Operation == OpIn {
				return "0", nil, nil
			}
			return "1", nil, nil
		}
		ph := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
		op := " IN "
		if f.Operation == OpNin {
			op = " NOT IN "
		}
		return col + op + "(" + ph + ")", vals, nil
	default:
		return "", nil, &task.ValidationError{Field: "filters", Reason: fmt.Sprintf("unknown operation %q", f.Operation)}
	}
}

// labelClause matches label membership rather than the encoded column text.
func labelClause(f Filter) (string, []any, error) {
	const exists = `EXISTS (SELECT 1 FROM json_each(tasks.labels) WHERE `
	switch f.Operation {
	case OpReg:
		return exists + `json_each.value LIKE ? ESCAPE '\')`, []any{likeArg(fmt.Sprint(f.Value))}, nil
	case OpNotReg:
		return "NOT " + exists + `json_each.value LIKE ? ESCAPE '\')`, []any{likeArg(fmt.Sprint(f.Value))}, nil
	case OpEq:
		return exists + `json_each.value = ?)`, []any{fmt.Sprint(f.Value)}, nil
	case OpNe:
		return "NOT " + exists + `json_each.value = ?)`, []any{fmt.Sprint(f.Value)}, nil
	case OpIn, OpNin:
		vals := listValue(f.Value)
		if len(vals) == 0 {
			if f.Operation == OpIn {
				return "0", nil, nil
			}
			return "1", nil, nil
		}
		for i, v := range vals {
			vals[i] = fmt.Sprint(v)
		}
		ph := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
		c := exists + `json_each.value IN (` + ph + `))`
		if f.Operation == OpNin {
			c = "NOT " + c
		}
		return c, vals, nil
	default:
		return "", nil, &task.ValidationError{Field: "filters", Reason: fmt.Sprintf("unknown operation %q", f.Operation)}
	}
}

// sqlValue converts JSON-decoded values into what the integer columns
// compare against.
func sqlValue(v any) any {
	switch x := v.(type) {
	case bool:
		return boolInt(x)
	case float64:
		if x == math.Trunc(x) {
			return int64(x)
		}
		return x
	default:
		return x
	}
}

func listValue(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, sqlValue(e))
		}
		return out
	case []string:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, e)
		}
		return out
	case []int:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, e)
		}
		return out
	default:
		return []any{sqlValue(x)}
	}
}

func buildOrder(sorts []Sort) (string, error) {
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		col, ok := columns[s.Property]
		if !ok {
			return "", &task.ValidationError{Field: "sorts", Reason: fmt.Sprintf("unknown property %q", s.Property)}
		}
		dir := strings.ToUpper(strings.TrimSpace(s.Type))
		switch dir {
		case "", "ASC":
			dir = "ASC"
		case "DESC":
		default:
			return "", &task.ValidationError{Field: "sorts", Reason: fmt.Sprintf("unknown direction %q", s.Type)}
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, defaultOrder)
	return strings.Join(parts, ", "), nil
}

// validateQuery checks filters and sorts without running a query.
func validateQuery(filters []Filter, relation string, sorts []Sort) error {
	if _, _, err := buildWhere(ListOptions{Filters: filters, FilterRelation: relation}); err != nil {
		return err
	}
	_, err := buildOrder(sorts)
	return err
}
