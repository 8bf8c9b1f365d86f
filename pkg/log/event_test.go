package log

import "testing"

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{DirectionIn.String(), "IN"},
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerTransport.String(), "TRANSPORT"},
		{LayerRPC.String(), "RPC"},
		{LayerOverlay.String(), "OVERLAY"},
		{Layer(9).String(), "UNKNOWN"},
		{CategoryMessage.String(), "MESSAGE"},
		{CategoryControl.String(), "CONTROL"},
		{CategoryState.String(), "STATE"},
		{CategoryError.String(), "ERROR"},
		{RoleClient.String(), "CLIENT"},
		{RoleServer.String(), "SERVER"},
		{StateEntityConnection.String(), "CONNECTION"},
		{StateEntityOverlay.String(), "OVERLAY"},
		{StateEntityListener.String(), "LISTENER"},
		{ControlMsgPing.String(), "PING"},
		{ControlMsgPong.String(), "PONG"},
		{ControlMsgClose.String(), "CLOSE"},
		{ControlMsgTimeout.String(), "TIMEOUT"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
