package image

import (
	"fmt"
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultClassifierExpr marks only the first loaded image, which is the
// main executable of the traced process.
const DefaultClassifierExpr = "index == 0"

// Classifier decides whether a loaded image is interesting. The decision
// is an expr expression evaluated against the image fields, so deployments
// can classify by name, address range or load order without rebuilding.
type Classifier struct {
	program *vm.Program
	rawExpr string
}

// classifierEnv is the sample environment the expression is compiled
// against. Keys must stay in sync with Interesting.
var classifierEnv = map[string]interface{}{
	"name":  "",
	"start": uint64(0),
	"end":   uint64(0),
	"index": 0,
}

// NewClassifier compiles expression; the empty string selects
// DefaultClassifierExpr. The expression sees name (string), start and end
// (uint64) and index (int, registration order) and must yield a boolean.
func NewClassifier(expression string) (*Classifier, error) {
	if expression == "" {
		expression = DefaultClassifierExpr
	}
	program, err := expr.Compile(expression, expr.Env(classifierEnv), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling image classifier %q: %w", expression, err)
	}
	return &Classifier{program: program, rawExpr: expression}, nil
}

// Expression returns the source text of the compiled expression.
func (c *Classifier) Expression() string {
	return c.rawExpr
}

// Interesting evaluates the classifier for one image. Evaluation errors
// are logged and count as not interesting.
func (c *Classifier) Interesting(name string, start, end uint64, index int) bool {
	env := map[string]interface{}{
		"name":  name,
		"start": start,
		"end":   end,
		"index": index,
	}
	output, err := expr.Run(c.program, env)
	if err != nil {
		log.Printf("Warning: image classifier failed for %q: %v", name, err)
		return false
	}
	result, ok := output.(bool)
	if !ok {
		log.Printf("Warning: image classifier returned %T for %q, want bool", output, name)
		return false
	}
	return result
}
