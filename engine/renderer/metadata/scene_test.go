package metadata

import (
	"testing"

	"github.com/spaghettifunk/rtcore/engine/math"
)

func TestSceneParamsLayout(t *testing.T) {
	if SceneParamsSize != 688 {
		t.Fatalf("expected 688 bytes; got %d", SceneParamsSize)
	}
	if got := math.AlignUp[uint64](SceneParamsSize, ConstantBufferAlignment); got != 768 {
		t.Fatalf("expected aligned size 768; got %d", got)
	}
}

func TestSceneParamsEncode(t *testing.T) {
	p := SceneParams{
		View:              math.NewMat4Translation(math.NewVec3(1, 2, 3)),
		ScreenSize:        math.NewVec4(640, 360, 1.0/640, 1.0/360),
		CameraDir:         math.NewVec3(0, 0, -1),
		MaxIteration:      16,
		FrameIndex:        7,
		AnimationTimeSec:  0.5,
		AccumulatedFrames: 3,
	}
	buf := make([]byte, SceneParamsSize)
	if err := p.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSceneParams(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != p {
		t.Fatalf("decoded params differ: %+v", got)
	}
	if err := p.Encode(buf[:10]); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer; got %v", err)
	}
}

func TestSceneTriangleCount(t *testing.T) {
	s := Scene{Meshes: []Mesh{{Indices: make([]uint32, 36)}, {Indices: make([]uint32, 6)}}}
	if got := s.TriangleCount(); got != 14 {
		t.Fatalf("expected 14 triangles; got %d", got)
	}
}
