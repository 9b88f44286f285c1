package guard

import "testing"

func TestCommandShield_DeniedWins(t *testing.T) {
	s := CommandShield{Denied: []string{"rm -rf"}, Allowed: []string{"ls"}}
	v := s.Check("please run ls then rm -rf /")
	if v.Safe {
		t.Fatalf("expected unsafe verdict, got safe")
	}
}

func TestCommandShield_AllowListRequiresMatch(t *testing.T) {
	s := CommandShield{Allowed: []string{"ls", "cat"}}
	if v := s.Check("run echo hello"); v.Safe {
		t.Fatalf("expected unsafe verdict when nothing in allow-list matches")
	}
	if v := s.Check("please run cat file.txt"); !v.Safe {
		t.Fatalf("expected safe verdict when an allowed pattern matches")
	}
}

func TestCommandShield_EmptyAllowListPassesByDefault(t *testing.T) {
	s := CommandShield{}
	if v := s.Check("anything goes"); !v.Safe {
		t.Fatalf("expected safe verdict with no configured patterns")
	}
}

func TestCommandShield_CaseInsensitive(t *testing.T) {
	s := CommandShield{Denied: []string{"DROP TABLE"}}
	if v := s.Check("drop table users;"); v.Safe {
		t.Fatalf("expected case-insensitive match to reject")
	}
}
