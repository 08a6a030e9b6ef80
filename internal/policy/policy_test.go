package policy

import "testing"

func TestShouldAllowDisabledBypassesFilter(t *testing.T) {
	s := NewStore()
	s.Set("evil.test", BlockAll)
	s.SetEnabled(false)
	if got := s.ShouldAllow("api.evil.test", 443); got != Allow {
		t.Fatalf("got %v want Allow", got)
	}
}

func TestShouldAllowBlocksOnMatchingBlockAllDomain(t *testing.T) {
	s := NewStore()
	s.Set("evil.test", BlockAll)
	if got := s.ShouldAllow("api.evil.test", 443); got != Block {
		t.Fatalf("got %v want Block", got)
	}
}

func TestShouldAllowCaseInsensitiveSubstringMatch(t *testing.T) {
	s := NewStore()
	s.Set("cdninstagram.com", BlockAll)
	got := s.ShouldAllow("scontent-sjc6-1.CDNINSTAGRAM.com", 443)
	if got != Block {
		t.Fatalf("got %v want Block", got)
	}
}

func TestShouldAllowNonZeroThresholdStillAllowsConnect(t *testing.T) {
	s := NewStore()
	s.Set("streamy.test", 1024)
	if got := s.ShouldAllow("www.streamy.test", 443); got != Allow {
		t.Fatalf("got %v want Allow (stream-block happens later, not at connect time)", got)
	}
}

func TestShouldAllowNoMatchAllows(t *testing.T) {
	s := NewStore()
	s.Set("evil.test", BlockAll)
	if got := s.ShouldAllow("example.com", 80); got != Allow {
		t.Fatalf("got %v want Allow", got)
	}
}

func TestStreamBlockThresholdNoLimitReturnsFalse(t *testing.T) {
	s := NewStore()
	s.Set("streamy.test", NoLimit)
	if _, ok := s.StreamBlockThreshold("www.streamy.test"); ok {
		t.Fatalf("expected ok=false for NoLimit threshold")
	}
}

func TestStreamBlockThresholdZeroReturnsTrue(t *testing.T) {
	s := NewStore()
	s.Set("streamy.test", BlockAll)
	threshold, ok := s.StreamBlockThreshold("www.streamy.test")
	if !ok || threshold != 0 {
		t.Fatalf("got threshold=%d ok=%v, want 0,true", threshold, ok)
	}
}

func TestStreamBlockThresholdPositiveValue(t *testing.T) {
	s := NewStore()
	s.Set("streamy.test", 1024)
	threshold, ok := s.StreamBlockThreshold("www.streamy.test")
	if !ok || threshold != 1024 {
		t.Fatalf("got threshold=%d ok=%v, want 1024,true", threshold, ok)
	}
}

func TestStreamBlockThresholdNoMatch(t *testing.T) {
	s := NewStore()
	s.Set("streamy.test", 1024)
	if _, ok := s.StreamBlockThreshold("example.com"); ok {
		t.Fatalf("expected ok=false when no key matches")
	}
}

func TestStreamBlockThresholdEmptySNI(t *testing.T) {
	s := NewStore()
	s.Set("streamy.test", 1024)
	if _, ok := s.StreamBlockThreshold(""); ok {
		t.Fatalf("expected ok=false for empty sni")
	}
}

func TestReplaceSwapsWholesale(t *testing.T) {
	s := NewStore()
	s.Set("old.test", BlockAll)
	s.Replace(true, map[string]int64{"new.test": BlockAll})
	if got := s.ShouldAllow("api.old.test", 443); got != Allow {
		t.Fatalf("old domain should no longer block after Replace")
	}
	if got := s.ShouldAllow("api.new.test", 443); got != Block {
		t.Fatalf("new domain should block after Replace")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := NewStore()
	s.Set("evil.test", BlockAll)
	s.Delete("evil.test")
	if got := s.ShouldAllow("api.evil.test", 443); got != Allow {
		t.Fatalf("got %v want Allow after delete", got)
	}
}
