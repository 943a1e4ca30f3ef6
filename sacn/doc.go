/*Package sacn implements the sACN (ANSI E1.31-2018) protocol runtime:
sources that transmit DMX512-A levels and per-address priorities over UDP
multicast, and receivers that track, validate and merge the streams of
multiple sources per universe.

Transmitting

Create a Source with a stable CID, add universes to it and start it. The
source transmits each universe at 44 Hz with keep-alive compression: full
frames go out on four ticks of every 44-tick cycle, changed frames on at
least three consecutive ticks. Stopping a universe or the whole source
emits the mandated burst of three stream-terminated packets before the
universe goes quiet.

	source, err := sacn.NewSource(sacn.SourceConfig{
		CID:  sacn.RandomCID(),
		Name: "my source",
	})
	if err != nil {
		return err
	}
	source.AddUniverse(sacn.UniverseSnapshot{Number: 1, Levels: levels})
	source.Start(true)

Receiving

A Receiver listens on one universe, tracks every source transmitting on it
and merges their streams per slot: the highest per-slot priority wins, and
among sources sharing the winning priority the highest level wins (HTP).
Merged frames, source loss and sampling transitions are delivered to a
delegate on a per-receiver serial queue. A ReceiverGroup runs one Receiver
per universe with uniform configuration. A DiscoveryReceiver assembles the
paged universe lists that sources announce every 10 seconds.

Universe synchronization (the E1.31 extended sync framing) is not
implemented; sync packets are dropped as unknown vectors.
*/
package sacn
