package channel

import "testing"

func TestPositionFromUpdateID_SortsLikeIntegers(t *testing.T) {
	a := positionFromUpdateID(9)
	b := positionFromUpdateID(10)
	c := positionFromUpdateID(100)

	if !(a < b && b < c) {
		t.Errorf("zero-padded positions must sort numerically: %q %q %q", a, b, c)
	}
}

func TestOffsetFromPosition(t *testing.T) {
	if got := offsetFromPosition(""); got != 0 {
		t.Errorf("empty position should start fresh, got %d", got)
	}
	if got := offsetFromPosition(positionFromUpdateID(41)); got != 42 {
		t.Errorf("offset should be last id plus one, got %d", got)
	}
}

func TestSplitTelegramID(t *testing.T) {
	chatID, messageID, err := splitTelegramID("-100123456789:77")
	if err != nil {
		t.Fatal(err)
	}
	if chatID != -100123456789 || messageID != 77 {
		t.Errorf("unexpected split: chat=%d message=%d", chatID, messageID)
	}

	if _, _, err := splitTelegramID("garbage"); err == nil {
		t.Error("malformed id should error")
	}
}

func TestPositionFromMillis_SortsLikeTime(t *testing.T) {
	early := positionFromMillis(1724600000000)
	late := positionFromMillis(1724600000001)
	if !(early < late) {
		t.Errorf("millis positions must sort chronologically: %q %q", early, late)
	}
}
