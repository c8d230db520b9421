package filter

import (
	"fmt"
	"unicode/utf8"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

/*
Env is what a message policy expression sees. Once configured expressions are in use, the fields must not be renamed,
otherwise the expressions do not compile any more.
*/
type Env struct {
	Content   string
	Length    int // in runes
	RoomType  string
	Anonymous bool
	SenderId  string
	Edit      bool
}

// NewEnv builds the expression environment of a message that is about to be stored.
func NewEnv(msg *types.Message, roomType types.RoomType, edit bool) Env {
	return Env{
		Content:   msg.Content,
		Length:    utf8.RuneCountInString(msg.Content),
		RoomType:  string(roomType),
		Anonymous: msg.IsAnonymous,
		SenderId:  msg.SenderId,
		Edit:      edit,
	}
}

// Policy rejects messages for which the configured expression evaluates to true, f.e.
// `Length > 2000 || (Anonymous && Content matches "https?://")`.
type Policy struct {
	expression string
	program    *vm.Program
	logger     hclog.Logger
}

// NewPolicy compiles rejectExpr. An empty expression yields a nil policy, which rejects nothing.
func NewPolicy(rejectExpr string) (*Policy, error) {
	if rejectExpr == "" {
		return nil, nil
	}
	program, err := expr.Compile(rejectExpr, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid message policy: %w", err)
	}
	return &Policy{
		expression: rejectExpr,
		program:    program,
		logger:     globals.AppLogger.Named("filter"),
	}, nil
}

// Rejects reports whether the message described by env must not be stored. Evaluation errors do not reject.
func (p *Policy) Rejects(env Env) bool {
	if p == nil {
		return false
	}
	res, err := expr.Run(p.program, env)
	if err != nil {
		p.logger.Error("could not evaluate message policy", "expression", p.expression, "error", err)
		return false
	}
	rejected, _ := res.(bool)
	return rejected
}
