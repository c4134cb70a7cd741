package dht

import (
	"net"
	"testing"

	"dcdn/dht/remoteNode"
	"dcdn/dht/util"
)

func TestPutAtQueuesAnExplicitTargetJob(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	target := util.HashURLKey("/some/uri")
	value := []byte("content hash goes here")
	d.PutAt(target, value)

	job := <-d.putRequest
	if !job.explicitTarget {
		t.Error("PutAt did not mark the job explicitTarget")
	}
	if job.target != target {
		t.Errorf("target = %x, want %x", job.target, target)
	}
	if string(job.immutable) != string(value) {
		t.Errorf("value = %q, want %q", job.immutable, value)
	}
}

func TestPutValueDerivesTargetFromValue(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	value := []byte("some immutable payload")
	target := d.PutValue(value)

	job := <-d.putRequest
	if job.explicitTarget {
		t.Error("PutValue should not mark the job explicitTarget")
	}
	if job.target != target || job.target != sha1Sum(value) {
		t.Error("PutValue's queued target does not match sha1(value)")
	}
}

// TestReplyPutHonorsExplicitTargetOnWire exercises the closed-swarm
// put_value extension end to end: a put query that carries a "target"
// field must store the value under that key instead of sha1(v).
func TestReplyPutHonorsExplicitTargetOnWire(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()
	d.conn = conn

	addr := net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	token := d.hostToken(addr, d.tokenSecrets[0])

	value := "the stored content hash"
	explicitTarget := string(util.HashURLKey("/a/request/uri"))

	d.replyPut(addr, remoteNode.ResponseType{
		A: remoteNode.AnswerType{
			Token:  token,
			V:      value,
			Target: explicitTarget,
		},
	})

	got, ok := d.items.GetImmutable(util.InfoHash(explicitTarget))
	if !ok {
		t.Fatal("value was not stored under the explicit target")
	}
	if string(got) != value {
		t.Errorf("stored value = %q, want %q", got, value)
	}

	if _, ok := d.items.GetImmutable(sha1Sum([]byte(value))); ok {
		t.Error("value was also stored under sha1(v); the explicit target should be the only key")
	}
}

func TestReplyPutDerivesTargetFromValueWhenNoTargetOnWire(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()
	d.conn = conn

	addr := net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	token := d.hostToken(addr, d.tokenSecrets[0])
	value := "a plain BEP-44 immutable value"

	d.replyPut(addr, remoteNode.ResponseType{
		A: remoteNode.AnswerType{Token: token, V: value},
	})

	got, ok := d.items.GetImmutable(sha1Sum([]byte(value)))
	if !ok {
		t.Fatal("value was not stored under sha1(v)")
	}
	if string(got) != value {
		t.Errorf("stored value = %q, want %q", got, value)
	}
}
