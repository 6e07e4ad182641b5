package transport

import "testing"

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	task := ServiceTask{AgentName: "a1", TaskUUID: "t1", DialogID: "d1", Payload: []byte(`{"text":"hi"}`)}
	data, err := Marshal(MsgServiceTask, task)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	decoded, ok := got.(ServiceTask)
	if !ok {
		t.Fatalf("got %T, want ServiceTask", got)
	}
	if decoded.TaskUUID != "t1" || decoded.DialogID != "d1" {
		t.Fatalf("decoded = %+v, want TaskUUID=t1 DialogID=d1", decoded)
	}
}

func TestUnmarshalUnknownMsgType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"msg_type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown msg_type")
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
