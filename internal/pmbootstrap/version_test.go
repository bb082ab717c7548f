package pmbootstrap

import "testing"

func TestParseVersionAccepts(t *testing.T) {
	for _, s := range []string{
		"1", "1.2", "1.2.3a", "1.2_rc3", "1.2-r5", "1.2.3_git20220101",
	} {
		t.Run(s, func(t *testing.T) {
			if _, err := ParseVersion(s); err != nil {
				t.Fatalf("ParseVersion(%q) = %v, want success", s, err)
			}
		})
	}
}

func TestParseVersionRejects(t *testing.T) {
	for _, s := range []string{"1..2", "1.2-", ""} {
		t.Run(s, func(t *testing.T) {
			if _, err := ParseVersion(s); err == nil {
				t.Fatalf("ParseVersion(%q) = nil, want ErrVersionMalformed", s)
			}
		})
	}
}

func mustVer(t *testing.T, s string) Version {
	t.Helper()
	v, err := ParseVersion(s)
	if err != nil {
		t.Fatalf("ParseVersion(%q): %v", s, err)
	}
	return v
}

func TestCompareOrdering(t *testing.T) {
	// ascending order; every adjacent pair must compare strictly less-than.
	order := []string{
		"1.2_alpha1", "1.2_beta1", "1.2_pre1", "1.2_rc1", "1.2", "1.2_cvs1",
		"1.2_svn1", "1.2_git1", "1.2_hg1", "1.2_p1", "1.2a", "1.3",
	}
	for i := 0; i+1 < len(order); i++ {
		a := mustVer(t, order[i])
		b := mustVer(t, order[i+1])
		if c := a.Compare(b); c >= 0 {
			t.Errorf("Compare(%s, %s) = %d, want < 0", order[i], order[i+1], c)
		}
	}
}

func TestCompareIsAntisymmetricTotalOrder(t *testing.T) {
	samples := []string{
		"1", "1.0", "1.2", "1.2.3", "1.2.3a", "1.2_rc3", "1.2-r5",
		"1.2.3_git20220101", "2", "1.10", "1.9",
	}
	for _, a := range samples {
		for _, b := range samples {
			va := mustVer(t, a)
			vb := mustVer(t, b)
			if va.Compare(vb) != -vb.Compare(va) {
				t.Errorf("Compare(%s,%s)=%d, -Compare(%s,%s)=%d", a, b, va.Compare(vb), b, a, -vb.Compare(va))
			}
		}
	}
}

func TestCompareNumericComponents(t *testing.T) {
	a := mustVer(t, "1.9")
	b := mustVer(t, "1.10")
	if a.Compare(b) >= 0 {
		t.Fatalf("1.9 should sort before 1.10 (numeric compare, not lexical)")
	}
}

func TestReleaseBump(t *testing.T) {
	a := mustVer(t, "1.2-r1")
	b := mustVer(t, "1.2-r2")
	if a.Compare(b) >= 0 {
		t.Fatalf("1.2-r1 should sort before 1.2-r2")
	}
}

func TestConstraintSatisfies(t *testing.T) {
	v := mustVer(t, "1.5")
	cases := []struct {
		op   ConstraintOp
		bnd  string
		want bool
	}{
		{OpGE, "1.0", true},
		{OpGE, "2.0", false},
		{OpLT, "2.0", true},
		{OpLT, "1.0", false},
		{OpEQ, "1.5", true},
		{OpSame, "1.9", true},
		{OpSame, "2.0", false},
		{OpFuzzy, "1.5", false},
		{OpFuzzy, "1.6", true},
	}
	for _, c := range cases {
		bnd := mustVer(t, c.bnd)
		got := Constraint{Op: c.op, Version: bnd}.Satisfies(v)
		if got != c.want {
			t.Errorf("1.5 %s %s = %v, want %v", c.op, c.bnd, got, c.want)
		}
	}
}
