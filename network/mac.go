package network

import (
	"bytes"
	"encoding/hex"
	"io/ioutil"
	"math/rand"
	"net"

	"github.com/watertank/tanknode/helpers"
)

// DeriveMAC makes locally administered unicast address 02:xx:xx:xx:xx:xx
// from first 10 hex digits of machine id. Missing digits are random.
func DeriveMAC(machineID []byte, r *rand.Rand) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	id := bytes.TrimSpace(machineID)
	for i := 1; i < 6; i++ {
		if len(id) >= i*2 {
			var b [1]byte
			if _, err := hex.Decode(b[:], id[(i-1)*2:i*2]); err == nil {
				mac[i] = b[0]
				continue
			}
		}
		mac[i] = byte(r.Intn(256))
	}
	return mac
}

func machineMAC(path string) net.HardwareAddr {
	id, _ := ioutil.ReadFile(path)
	return DeriveMAC(id, helpers.RandUnix())
}

func zeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
