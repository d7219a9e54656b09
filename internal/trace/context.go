package trace

import "context"

type frameKey struct{}

// frame is one entry of the scope stack. Frames are immutable and linked to
// their parent, so a context handed to another goroutine carries a snapshot
// of the stack as it was at that point.
type frame struct {
	parent *frame
	depth  int
	conv   *Conversation
	turn   *Turn
	stage  *Stage
}

func currentFrame(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

func push(ctx context.Context, f frame) context.Context {
	f.parent = currentFrame(ctx)
	f.depth = 1
	if f.parent != nil {
		f.depth = f.parent.depth + 1
	}
	return context.WithValue(ctx, frameKey{}, &f)
}

// CurrentConversation returns the conversation active in ctx, or nil.
func CurrentConversation(ctx context.Context) *Conversation {
	if f := currentFrame(ctx); f != nil {
		return f.conv
	}
	return nil
}

// CurrentTurn returns the turn active in ctx, or nil.
func CurrentTurn(ctx context.Context) *Turn {
	if f := currentFrame(ctx); f != nil {
		return f.turn
	}
	return nil
}

// CurrentStage returns the stage active in ctx, or nil.
func CurrentStage(ctx context.Context) *Stage {
	if f := currentFrame(ctx); f != nil {
		return f.stage
	}
	return nil
}

// Depth returns the number of scopes active in ctx.
func Depth(ctx context.Context) int {
	if f := currentFrame(ctx); f != nil {
		return f.depth
	}
	return 0
}
