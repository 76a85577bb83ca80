// Package rules implements the alarm rule engine: expression parsing, query
// synthesis against the time-series store, and the per-fingerprint state
// machine that suppresses flapping.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gridwatch/gridwatch/internal/tsdb"
)

// Expr is a parsed rule predicate: a metric leaf, a tag leaf, or an and/or
// composite.
type Expr interface {
	exprNode()
}

// MetricLeaf compares one metric field against a threshold.
type MetricLeaf struct {
	Stable    string
	Metric    string
	Operator  string
	Threshold float64
}

// TagLeaf compares one tag against a literal value.
type TagLeaf struct {
	Stable   string
	Tag      string
	Operator string
	Value    string
}

// And is satisfied when every child is.
type And struct {
	Children []Expr
}

// Or is satisfied when any child is.
type Or struct {
	Children []Expr
}

func (MetricLeaf) exprNode() {}
func (TagLeaf) exprNode()    {}
func (And) exprNode()        {}
func (Or) exprNode()         {}

var metricOperators = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true,
}

var tagOperators = map[string]bool{"==": true, "!=": true}

type rawNode struct {
	And       []json.RawMessage `json:"and"`
	Or        []json.RawMessage `json:"or"`
	Stable    string            `json:"stable"`
	Metric    string            `json:"metric"`
	Tag       string            `json:"tag"`
	Operator  string            `json:"operator"`
	Threshold *float64          `json:"threshold"`
	Value     *string           `json:"value"`
}

// ParsedExpression carries the AST plus the derived query inputs.
type ParsedExpression struct {
	Expr    Expr
	Stable  string
	Metric  string   // primary metric: the first metric leaf encountered
	TagKeys []string // tag keys referenced anywhere, sorted, deduplicated
}

// ParseExpression parses a rule expression. Every leaf must agree on the
// stable; at least one metric leaf is required.
func ParseExpression(raw []byte) (*ParsedExpression, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	expr, err := parseNode(raw)
	if err != nil {
		return nil, err
	}

	p := &ParsedExpression{Expr: expr}
	tagSet := make(map[string]bool)
	if err := p.collect(expr, tagSet); err != nil {
		return nil, err
	}
	if p.Metric == "" {
		return nil, fmt.Errorf("expression has no metric condition")
	}
	if _, ok := tsdb.FamilyByName(p.Stable); !ok {
		return nil, fmt.Errorf("unknown stable %q", p.Stable)
	}
	for tag := range tagSet {
		p.TagKeys = append(p.TagKeys, tag)
	}
	sort.Strings(p.TagKeys)
	return p, nil
}

func parseNode(raw json.RawMessage) (Expr, error) {
	var node rawNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("parse expression node: %w", err)
	}

	switch {
	case node.And != nil:
		children, err := parseChildren(node.And)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	case node.Or != nil:
		children, err := parseChildren(node.Or)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	case node.Metric != "":
		if !metricOperators[node.Operator] {
			return nil, fmt.Errorf("invalid metric operator %q", node.Operator)
		}
		if node.Threshold == nil {
			return nil, fmt.Errorf("metric condition %q missing threshold", node.Metric)
		}
		return MetricLeaf{
			Stable:    node.Stable,
			Metric:    node.Metric,
			Operator:  node.Operator,
			Threshold: *node.Threshold,
		}, nil
	case node.Tag != "":
		if !tagOperators[node.Operator] {
			return nil, fmt.Errorf("invalid tag operator %q", node.Operator)
		}
		if node.Value == nil {
			return nil, fmt.Errorf("tag condition %q missing value", node.Tag)
		}
		return TagLeaf{
			Stable:   node.Stable,
			Tag:      node.Tag,
			Operator: node.Operator,
			Value:    *node.Value,
		}, nil
	default:
		return nil, fmt.Errorf("expression node is neither leaf nor composite")
	}
}

func parseChildren(raws []json.RawMessage) ([]Expr, error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("empty composite expression")
	}
	children := make([]Expr, 0, len(raws))
	for _, raw := range raws {
		child, err := parseNode(raw)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// collect walks the tree recording the stable, primary metric, and tag
// keys, and rejects mixed stables.
func (p *ParsedExpression) collect(expr Expr, tags map[string]bool) error {
	switch e := expr.(type) {
	case MetricLeaf:
		if err := p.checkStable(e.Stable); err != nil {
			return err
		}
		if p.Metric == "" {
			p.Metric = e.Metric
		}
	case TagLeaf:
		if err := p.checkStable(e.Stable); err != nil {
			return err
		}
		tags[e.Tag] = true
	case And:
		for _, c := range e.Children {
			if err := p.collect(c, tags); err != nil {
				return err
			}
		}
	case Or:
		for _, c := range e.Children {
			if err := p.collect(c, tags); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *ParsedExpression) checkStable(stable string) error {
	if stable == "" {
		return fmt.Errorf("leaf missing stable")
	}
	if p.Stable == "" {
		p.Stable = stable
		return nil
	}
	if p.Stable != stable {
		return fmt.Errorf("mixed stables %q and %q in one expression", p.Stable, stable)
	}
	return nil
}

// QuerySQL synthesizes the statement returning the currently matching rows:
// one most-recent row per entity exceeding the predicate, no older than the
// freshness window.
func (p *ParsedExpression) QuerySQL(dbName string) string {
	selectCols := []string{fmt.Sprintf("LAST(%s) AS %s", p.Metric, p.Metric), "host_ip"}
	groupCols := []string{"host_ip"}
	for _, tag := range p.TagKeys {
		if tag == "host_ip" {
			continue
		}
		selectCols = append(selectCols, tag)
		groupCols = append(groupCols, tag)
	}
	selectCols = append(selectCols, "ts")

	return fmt.Sprintf("SELECT %s FROM %s.%s WHERE (%s) AND ts > now - 10s GROUP BY %s",
		strings.Join(selectCols, ", "), dbName, p.Stable,
		whereClause(p.Expr), strings.Join(groupCols, ", "))
}

func whereClause(expr Expr) string {
	switch e := expr.(type) {
	case MetricLeaf:
		return fmt.Sprintf("%s %s %s", e.Metric, sqlOperator(e.Operator),
			strconv.FormatFloat(e.Threshold, 'g', -1, 64))
	case TagLeaf:
		return fmt.Sprintf("%s %s '%s'", e.Tag, sqlOperator(e.Operator), tsdb.Escape(e.Value))
	case And:
		return joinClauses(e.Children, " AND ")
	case Or:
		return joinClauses(e.Children, " OR ")
	default:
		return "1 = 1"
	}
}

func joinClauses(children []Expr, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = whereClause(c)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func sqlOperator(op string) string {
	if op == "==" {
		return "="
	}
	return op
}
