// Package swarm holds the well-known DHT info-hashes this system rendezvous
// on, analogous to the fixed byte constants original_source/injector.c and
// injector_helper.c reference as injector_swarm and injector_proxy_swarm.
// The original's constants weren't available to distill from, so these are
// derived deterministically from their names the same way BEP-44 keys are:
// SHA-1 of a fixed ASCII string, matching dht/util.InfoHash's 20-byte shape.
package swarm

import (
	"crypto/sha1"

	"dcdn/dht/util"
)

// InjectorSwarm is where every injector announces itself, and where a
// helper's discovery lookups search (spec §4.4, §9 GLOSSARY).
var InjectorSwarm = hashName("injector_swarm")

// InjectorProxySwarm is where a helper announces itself once it knows of
// at least one injector, so other helpers (and injectors monitoring load)
// can find it.
var InjectorProxySwarm = hashName("injector_proxy_swarm")

func hashName(name string) util.InfoHash {
	h := sha1.New()
	h.Write([]byte(name))
	return util.InfoHash(h.Sum(nil))
}
