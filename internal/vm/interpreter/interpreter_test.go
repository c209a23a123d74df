package interpreter

import (
	"context"
	"testing"

	"github.com/llcraft/llcraft/internal/session"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	return session.New("session_test", "test task")
}

func TestRunCompletesSimpleProgram(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpStore, PageID: "greeting", Data: "hello"},
				{Op: opcode.OpLoad, PageID: "greeting", Data: "hello"},
				{Op: opcode.OpPushPage, PageID: "greeting"},
				{Op: opcode.OpPop},
				{Op: opcode.OpComplete, Result: "done"},
			},
		},
	}
	it, err := New(sess, programs, "main")
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.Equal(t, "done", res.Value)
}

func TestRunSuspendsOnInferAndResumes(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpInfer, Prompt: "summarize the task", StoreTo: "answer"},
				{Op: opcode.OpComplete, Result: "finished"},
			},
		},
	}
	it, err := New(sess, programs, "main")
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusNeedsLlm, res.Status)
	require.Equal(t, ReqInfer, res.Request.RequestType)

	res, err = it.ProvideLLMResponse(context.Background(), "the task is X")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.Equal(t, "finished", res.Value)

	v, err := sess.ActiveMemory().Load("answer")
	require.NoError(t, err)
	require.Equal(t, "the task is X", v)
}

func TestJumpAndBranch(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpStore, PageID: "flag", Data: true},
				{Op: opcode.OpBranch, Condition: "flag", IfTrue: "yes", IfFalse: "no"},
				{Op: opcode.OpLabel, Name: "no"},
				{Op: opcode.OpComplete, Result: "wrong branch"},
				{Op: opcode.OpLabel, Name: "yes"},
				{Op: opcode.OpComplete, Result: "right branch"},
			},
		},
	}
	it, err := New(sess, programs, "main")
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.Equal(t, "right branch", res.Value)
}

func TestCallAndReturn(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpCall, ProgramID: "helper"},
				{Op: opcode.OpPopTo, StoreTo: "result"},
				{Op: opcode.OpComplete, Result: "main done"},
			},
		},
		"helper": {
			ID: "helper",
			Code: []opcode.Opcode{
				{Op: opcode.OpReturn, Value: "from helper"},
			},
		},
	}
	it, err := New(sess, programs, "main")
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.Equal(t, "main done", res.Value)

	v, err := sess.ActiveMemory().Load("result")
	require.NoError(t, err)
	require.Equal(t, "from helper", v)
}

func TestStepLimitExceeded(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpLabel, Name: "loop"},
				{Op: opcode.OpJump, Target: "loop"},
			},
		},
	}
	it, err := New(sess, programs, "main", WithStepLimit(5))
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusStepLimitExceeded, res.Status)
}

func TestCheckpointRollback(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpStore, PageID: "counter", Data: float64(1)},
				{Op: opcode.OpCheckpoint, Name: "before"},
				{Op: opcode.OpStore, PageID: "counter", Data: float64(2)},
				{Op: opcode.OpRollback, Name: "before"},
				{Op: opcode.OpPushPage, PageID: "counter"},
				{Op: opcode.OpPopTo, StoreTo: "result"},
				{Op: opcode.OpComplete, Result: "ok"},
			},
		},
	}
	it, err := New(sess, programs, "main")
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)

	v, err := sess.ActiveMemory().Load("result")
	require.NoError(t, err)
	require.Equal(t, float64(1), v)
}

func TestForkJoin(t *testing.T) {
	sess := newTestSession(t)
	programs := map[string]*opcode.Program{
		"main": {
			ID: "main",
			Code: []opcode.Opcode{
				{Op: opcode.OpFork, ProgramID: "child", ProcessID: "p1"},
				{Op: opcode.OpJoin, ProcessID: "p1", StoreTo: "joined"},
				{Op: opcode.OpComplete, Result: "forked"},
			},
		},
		"child": {
			ID: "child",
			Code: []opcode.Opcode{
				{Op: opcode.OpReturn, Value: "child result"},
			},
		},
	}
	it, err := New(sess, programs, "main")
	require.NoError(t, err)

	res, err := it.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)

	v, err := sess.ActiveMemory().Load("joined")
	require.NoError(t, err)
	require.Equal(t, "child result", v)
}
