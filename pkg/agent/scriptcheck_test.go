package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptChecker_ValidScript(t *testing.T) {
	checker := NewScriptChecker(nil)

	artifact, err := checker.Check(context.Background(), "t1", validScript)
	require.NoError(t, err)
	assert.Equal(t, "box", artifact)
}

func TestScriptChecker_AllowedImportForms(t *testing.T) {
	checker := NewScriptChecker(nil)
	scripts := []string{
		"import math\nx = math.pi\n# RESULT: out\n",
		"import numpy as np\nx = np.zeros(3)\n# RESULT: out\n",
		"from cadquery import Workplane\nresult = Workplane()\n# RESULT: out\n",
		"import numpy.linalg\n# RESULT: out\n",
	}
	for _, script := range scripts {
		_, err := checker.Check(context.Background(), "t1", script)
		assert.NoError(t, err, "script: %s", script)
	}
}

func TestScriptChecker_DeniedImports(t *testing.T) {
	checker := NewScriptChecker(nil)
	scripts := map[string]string{
		"os":             "import os\n# RESULT: out\n",
		"subprocess":     "import subprocess\n# RESULT: out\n",
		"aliased os":     "import os as o\n# RESULT: out\n",
		"from os":        "from os import system\n# RESULT: out\n",
		"importlib":      "import importlib\n# RESULT: out\n",
		"socket via sub": "import socket\n# RESULT: out\n",
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			_, err := checker.Check(context.Background(), "t1", script)
			var verr *ViolationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Error(), "not allowed")
		})
	}
}

func TestScriptChecker_DeniedCalls(t *testing.T) {
	checker := NewScriptChecker(nil)
	scripts := map[string]string{
		"eval":       "eval('1+1')\n# RESULT: out\n",
		"exec":       "exec('x = 1')\n# RESULT: out\n",
		"dyn import": "m = __import__('os')\n# RESULT: out\n",
		"open":       "f = open('/etc/passwd')\n# RESULT: out\n",
		"compile":    "c = compile('x', 'f', 'eval')\n# RESULT: out\n",
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			_, err := checker.Check(context.Background(), "t1", script)
			var verr *ViolationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Error(), "forbidden call")
		})
	}
}

func TestScriptChecker_SyntaxError(t *testing.T) {
	checker := NewScriptChecker(nil)
	_, err := checker.Check(context.Background(), "t1", "def broken(:\n# RESULT: out\n")
	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "valid Python")
}

func TestScriptChecker_MissingSentinel(t *testing.T) {
	checker := NewScriptChecker(nil)
	_, err := checker.Check(context.Background(), "t1", "import math\nx = 1\n")
	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "RESULT")
}

func TestScriptChecker_CollectsAllViolations(t *testing.T) {
	checker := NewScriptChecker(nil)
	script := "import os\neval('1')\n"
	_, err := checker.Check(context.Background(), "t1", script)
	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 3, "import, call, and sentinel violations all reported")
}

func TestScriptChecker_CustomAllowList(t *testing.T) {
	checker := NewScriptChecker([]string{"trimesh"})

	_, err := checker.Check(context.Background(), "t1", "import trimesh\n# RESULT: out\n")
	assert.NoError(t, err)

	_, err = checker.Check(context.Background(), "t1", "import cadquery\n# RESULT: out\n")
	assert.Error(t, err, "the default allow-list is replaced, not extended")
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "box", ArtifactName(validScript))
	assert.Equal(t, "wheel_2", ArtifactName("x = 1\n# RESULT: wheel_2\n"))
	assert.Equal(t, "", ArtifactName("x = 1\n"))
}
