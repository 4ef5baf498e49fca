package math

import "testing"

func TestMat4Inverse(t *testing.T) {
	tests := []struct {
		name string
		m    Mat4
	}{
		{"identity", NewMat4Identity()},
		{"translation", NewMat4Translation(NewVec3(1, -2, 3))},
		{"rotation", NewMat4EulerY(DegToRad(30)).Mul(NewMat4Translation(NewVec3(0, 4, 0)))},
		{"look at", NewMat4LookAt(NewVec3(0, 2, 5), NewVec3Zero(), NewVec3Up())},
		{"perspective", NewMat4Perspective(DegToRad(37), 16.0/9.0, 0.1, 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.m.Mul(tt.m.Inverse())
			if !got.Compare(NewMat4Identity(), 1e-4) {
				t.Fatalf("expected identity; got %v", got.Data)
			}
		})
	}
}

func TestMat4InverseSingular(t *testing.T) {
	if got := (Mat4{}).Inverse(); got != (Mat4{}) {
		t.Fatalf("expected zero matrix for a singular input; got %v", got.Data)
	}
}

func TestLookAtPutsTargetInFront(t *testing.T) {
	view := NewMat4LookAt(NewVec3(0, 0, 5), NewVec3Zero(), NewVec3Up())
	p := NewVec3Zero().Transform(view)
	if !p.Compare(NewVec3(0, 0, -5), 1e-5) {
		t.Fatalf("expected target at z=-5 in view space; got %+v", p)
	}
}

func TestRows3x4RoundTrip(t *testing.T) {
	m := NewMat4EulerY(0.5).Mul(NewMat4Translation(NewVec3(3, 2, 1)))
	rows := m.Rows3x4()
	if rows[3] != 3 || rows[7] != 2 || rows[11] != 1 {
		t.Fatalf("expected translation in the fourth column; got %v", rows)
	}
	if !NewMat4FromRows3x4(rows).Compare(m, 1e-6) {
		t.Fatalf("round trip mismatch")
	}
}

func TestIntersectTriangle(t *testing.T) {
	r := Ray{Origin: NewVec3(0.25, 0.25, 1), Direction: NewVec3(0, 0, -1)}
	dist, u, v, ok := IntersectTriangle(r, NewVec3(0, 0, 0), NewVec3(1, 0, 0), NewVec3(0, 1, 0))
	if !ok || kabs(dist-1) > 1e-6 || kabs(u-0.25) > 1e-6 || kabs(v-0.25) > 1e-6 {
		t.Fatalf("unexpected hit t=%f u=%f v=%f ok=%v", dist, u, v, ok)
	}
	r.Origin = NewVec3(2, 2, 1)
	if _, _, _, ok := IntersectTriangle(r, NewVec3(0, 0, 0), NewVec3(1, 0, 0), NewVec3(0, 1, 0)); ok {
		t.Fatalf("expected a miss")
	}
}

func TestExtentsIntersectRay(t *testing.T) {
	box := NewEmptyExtents().GrowPoint(NewVec3(-1, -1, -1)).GrowPoint(NewVec3(1, 1, 1))
	r := Ray{Origin: NewVec3(0, 0, 5), Direction: NewVec3(0, 0, -1)}
	tn, ok := box.IntersectRay(r, SafeInverse(r.Direction), 0, K_INFINITY)
	if !ok || kabs(tn-4) > 1e-6 {
		t.Fatalf("expected entry at 4; got %f %v", tn, ok)
	}
	if box.SurfaceArea() != 24 {
		t.Fatalf("expected area 24; got %f", box.SurfaceArea())
	}
}

func TestAlignUpAndClamp(t *testing.T) {
	if got := AlignUp[uint64](300, 256); got != 512 {
		t.Fatalf("expected 512; got %d", got)
	}
	if got := AlignUp[uint32](64, 64); got != 64 {
		t.Fatalf("expected 64; got %d", got)
	}
	if got := Clamp(1.5, 0.0, 1.0); got != 1.0 {
		t.Fatalf("expected 1; got %f", got)
	}
}

func TestNewRandomDeterministic(t *testing.T) {
	a, b := NewRandom(7), NewRandom(7)
	for i := 0; i < 4; i++ {
		if a.Float32() != b.Float32() {
			t.Fatalf("expected identical sequences for the same seed")
		}
	}
}
