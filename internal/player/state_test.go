package player

import (
	"testing"
	"time"
)

func TestStateManagerPublishesToSubscribers(t *testing.T) {
	sm := NewStateManager("s1")
	ch := sm.Subscribe()

	sm.Publish(Event{Type: EventTrackLoaded, TrackID: "vocal"})

	select {
	case ev := <-ch:
		if ev.Type != EventTrackLoaded || ev.TrackID != "vocal" {
			t.Errorf("got %+v", ev)
		}
		if ev.SessionID != "s1" {
			t.Errorf("SessionID = %q, want s1", ev.SessionID)
		}
		if ev.Time.IsZero() {
			t.Error("event time should be stamped")
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestStateManagerTransportState(t *testing.T) {
	sm := NewStateManager("s1")
	ch := sm.Subscribe()

	sm.UpdatePlaybackState(StatusPlaying)
	sm.UpdatePlaybackState(StatusPlaying) // no change, no event
	sm.UpdateTime(1500*time.Millisecond, 3*time.Second)

	st := sm.GetState()
	if !st.IsPlaying || st.Status != StatusPlaying {
		t.Errorf("state = %+v, want playing", st)
	}
	if st.CurrentTime != 1.5 || st.TotalDuration != 3 {
		t.Errorf("time = %v/%v, want 1.5/3", st.CurrentTime, st.TotalDuration)
	}

	if ev := <-ch; ev.Type != EventState {
		t.Errorf("first event = %s, want state", ev.Type)
	}
	if ev := <-ch; ev.Type != EventPosition || ev.Position != 1.5 {
		t.Errorf("second event = %+v, want position 1.5", ev)
	}
}

func TestStateManagerSlowListenerKeepsLifecycleEvents(t *testing.T) {
	sm := NewStateManager("s1")
	slow := sm.Subscribe()

	for i := 0; i < 100; i++ {
		sm.UpdateTime(time.Duration(i)*time.Second/60, time.Minute)
	}
	sm.Publish(Event{Type: EventPlaybackEnded})
	sm.Publish(Event{Type: EventExportFinished})

	if sm.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d, a reader behind on positions must stay subscribed", sm.ListenerCount())
	}

	positions, ended, finished := 0, false, false
	for i := 0; i < listenerBuffer/2+2; i++ {
		ev := <-slow
		switch ev.Type {
		case EventPosition:
			positions++
		case EventPlaybackEnded:
			ended = true
		case EventExportFinished:
			finished = true
		}
	}
	if positions != listenerBuffer/2 {
		t.Errorf("buffered %d positions, want %d", positions, listenerBuffer/2)
	}
	if !ended || !finished {
		t.Errorf("lifecycle events lost: playback-ended=%v export-finished=%v", ended, finished)
	}
	if sm.Dropped(slow) {
		t.Error("listener reported as dropped")
	}
}

func TestStateManagerDropsStuckListeners(t *testing.T) {
	sm := NewStateManager("s1")
	stuck := sm.Subscribe()
	other := sm.Subscribe()

	for i := 0; i < listenerBuffer+1; i++ {
		sm.Publish(Event{Type: EventTrackLoaded})
		<-other
	}
	if sm.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d, want only the stuck listener dropped", sm.ListenerCount())
	}
	if !sm.Dropped(stuck) || sm.Dropped(other) {
		t.Errorf("Dropped() = %v/%v, want true for the stuck listener only", sm.Dropped(stuck), sm.Dropped(other))
	}

	n := 0
	for range stuck {
		n++
	}
	if n != listenerBuffer {
		t.Errorf("drained %d buffered events, want %d", n, listenerBuffer)
	}

	sm.Unsubscribe(stuck)
	if sm.Dropped(stuck) {
		t.Error("Unsubscribe should forget the dropped listener")
	}
}

func TestStateManagerUnsubscribeAndClose(t *testing.T) {
	sm := NewStateManager("s1")
	a := sm.Subscribe()
	b := sm.Subscribe()

	sm.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel should be closed")
	}

	sm.Close()
	ev, ok := <-b
	if !ok || ev.Type != EventSessionClosed {
		t.Errorf("expected session-closed before close, got %+v %v", ev, ok)
	}
	if _, ok := <-b; ok {
		t.Error("channel should be closed after Close")
	}
}
