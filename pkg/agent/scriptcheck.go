package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// DefaultAllowedImports is the import allow-list for generated CAD scripts.
// Everything else, including the standard process and IO modules, is denied.
var DefaultAllowedImports = []string{"math", "numpy", "cadquery"}

// deniedCalls are builtins a generated script may never invoke, whatever it
// imported. They cover code injection and host IO.
var deniedCalls = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"__import__": true,
	"open":       true,
	"input":      true,
}

var resultSentinelRe = regexp.MustCompile(`(?m)^\s*#?\s*RESULT:\s*([A-Za-z_][A-Za-z0-9_]*)\s*$`)

// ViolationError lists every static-check failure of one script so the
// generator can feed them all back to the model in a single retry.
type ViolationError struct {
	TaskID     string
	Violations []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("script for %s rejected: %s", e.TaskID, strings.Join(e.Violations, "; "))
}

// ScriptChecker statically validates generated scripts: they must parse,
// import only allow-listed modules, avoid dynamic execution and host IO, and
// declare their artifact with a RESULT sentinel line.
type ScriptChecker struct {
	allowed map[string]bool
}

// NewScriptChecker creates a checker. nil imports means DefaultAllowedImports.
func NewScriptChecker(allowedImports []string) *ScriptChecker {
	if allowedImports == nil {
		allowedImports = DefaultAllowedImports
	}
	allowed := make(map[string]bool, len(allowedImports))
	for _, m := range allowedImports {
		allowed[m] = true
	}
	return &ScriptChecker{allowed: allowed}
}

// Check validates one script and returns the artifact name its RESULT
// sentinel declares. On failure the error is a *ViolationError.
func (c *ScriptChecker) Check(ctx context.Context, taskID, script string) (string, error) {
	var violations []string

	src := []byte(script)
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return "", fmt.Errorf("agent: script parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		violations = append(violations, "script does not parse as valid Python")
	} else {
		c.inspect(root, src, &violations)
	}

	artifact := ""
	if m := resultSentinelRe.FindStringSubmatch(script); m != nil {
		artifact = m[1]
	} else {
		violations = append(violations, "missing RESULT: <name> sentinel line")
	}

	if len(violations) > 0 {
		return "", &ViolationError{TaskID: taskID, Violations: violations}
	}
	return artifact, nil
}

func (c *ScriptChecker) inspect(node *sitter.Node, src []byte, violations *[]string) {
	switch node.Type() {
	case "import_statement":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			c.checkModule(node.NamedChild(i), src, violations)
		}
	case "import_from_statement":
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			c.checkModule(mod, src, violations)
		}
	case "call":
		if fn := node.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
			if name := fn.Content(src); deniedCalls[name] {
				*violations = append(*violations, fmt.Sprintf("forbidden call %s()", name))
			}
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		c.inspect(node.NamedChild(i), src, violations)
	}
}

// checkModule validates one imported module node against the allow-list. The
// root package decides: "numpy.linalg" passes when "numpy" is allowed.
func (c *ScriptChecker) checkModule(node *sitter.Node, src []byte, violations *[]string) {
	name := node.Content(src)
	if node.Type() == "aliased_import" {
		if inner := node.ChildByFieldName("name"); inner != nil {
			name = inner.Content(src)
		}
	}
	if name == "" {
		return
	}
	rootPkg := strings.SplitN(name, ".", 2)[0]
	if !c.allowed[rootPkg] {
		*violations = append(*violations, fmt.Sprintf("import of %q is not allowed", name))
	}
}
