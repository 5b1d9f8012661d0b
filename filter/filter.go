// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package filter selects device records with CEL expressions.
//
// An expression sees the variables record (bytes), size (int), seq (uint)
// and path (string) and must evaluate to a bool. For example:
//
//	size >= 4 && record[0] == 0x69
//
// is not valid CEL (bytes are not indexable); use the helpers instead:
//
//	size >= 4 && record.startsWith(b'\x69\x72')
package filter

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

type Action string

const (
	ActionInvalid Action = ""
	ActionInclude Action = "include"
	ActionExclude Action = "exclude"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionInclude, ActionExclude:
		return Action(s), nil
	case ActionInvalid:
		return ActionInclude, nil
	default:
		return ActionInvalid, fmt.Errorf("invalid action %q", s)
	}
}

type Filter struct {
	Action  Action
	Expr    string
	program cel.Program
}

func NewFilter(expr string, action Action) (*Filter, error) {
	switch action {
	case ActionInclude:
	case ActionExclude:
	default:
		return nil, fmt.Errorf("invalid action %q", action)
	}

	env, err := cel.NewEnv(
		cel.Variable("record", cel.BytesType),
		cel.Variable("size", cel.IntType),
		cel.Variable("seq", cel.UintType),
		cel.Variable("path", cel.StringType),
		cel.Function("startsWith",
			cel.MemberOverload("bytes_startsWith_bytes", []*cel.Type{cel.BytesType, cel.BytesType}, cel.BoolType,
				cel.BinaryBinding(bytesBinding(bytes.HasPrefix)))),
		cel.Function("endsWith",
			cel.MemberOverload("bytes_endsWith_bytes", []*cel.Type{cel.BytesType, cel.BytesType}, cel.BoolType,
				cel.BinaryBinding(bytesBinding(bytes.HasSuffix)))),
		cel.Function("contains",
			cel.MemberOverload("bytes_contains_bytes", []*cel.Type{cel.BytesType, cel.BytesType}, cel.BoolType,
				cel.BinaryBinding(bytesBinding(bytes.Contains)))),
	)
	if err != nil {
		return nil, fmt.Errorf("create env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if err = iss.Err(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	if got, want := ast.OutputType(), cel.BoolType; !reflect.DeepEqual(got, want) {
		return nil, fmt.Errorf("invalid output type: got %v, want %v", got, want)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	f := &Filter{Action: action, Expr: expr, program: program}
	if _, err := f.Eval("/dev/null", dummy, 0); err != nil {
		return nil, fmt.Errorf("static test: %w", err)
	}
	return f, nil
}

func bytesBinding(fn func(a, b []byte) bool) func(lhs, rhs ref.Val) ref.Val {
	return func(lhs, rhs ref.Val) ref.Val {
		a, ok := lhs.(types.Bytes)
		if !ok {
			return types.MaybeNoSuchOverloadErr(lhs)
		}
		b, ok := rhs.(types.Bytes)
		if !ok {
			return types.MaybeNoSuchOverloadErr(rhs)
		}
		return types.Bool(fn(a, b))
	}
}

// Eval reports whether the expression matches the record.
func (f *Filter) Eval(path string, record []byte, seq uint64) (bool, error) {
	ret, _, err := f.program.Eval(map[string]any{
		"record": record,
		"size":   len(record),
		"seq":    seq,
		"path":   path,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	if x, ok := ret.Value().(bool); !ok {
		return false, fmt.Errorf("invalid return type: got %T, want bool", ret.Value())
	} else {
		return x, nil
	}
}

// Keep applies the filter's action: included records are kept when the
// expression matches, excluded ones when it does not.
func (f *Filter) Keep(path string, record []byte, seq uint64) (bool, error) {
	match, err := f.Eval(path, record, seq)
	if err != nil {
		return false, err
	}
	return match == (f.Action == ActionInclude), nil
}

var dummy = []byte{0x69, 0x72, 0x00, 0x00, 0x00, 0x69, 0x72}
