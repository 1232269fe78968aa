package telemetry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/musthaq16/navtracker/types"
)

// packetTemplate is a codec 8 extended AVL packet; timestamp, coordinates and
// CRC are rewritten for every position.
const packetTemplate = "000000000000009E8E0100000190DA491CD8003DE3607E00C846B4000F00F50C000B0000001F000F00EF0100F001001505004501007100001E00001F4000205600251400272700326500352702F70400F60000FC00000C00B5000E00B60008004235A70018000B00430000004400000024065200280E09002A00FA002B0000003127C700333506000400F10000CD1900C7000001AF00100020E9DC000C000354A6000000000100001CDB"

// Client forwards positions to a telematics server over TCP.
type Client struct {
	imei string
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to address and sends the IMEI login packet.
func Dial(address, imei string) (*Client, error) {
	loginPacket, err := createLoginPacket(imei)
	if err != nil {
		return nil, fmt.Errorf("login packet: %w", err)
	}

	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TCP connection failed: %w", err)
	}

	if _, err := conn.Write(loginPacket); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login packet send failed: %w", err)
	}
	log.Printf("[%s] Login packet sent: %X", imei, loginPacket)

	return &Client{imei: imei, conn: conn}, nil
}

// Send writes one position packet.
func (c *Client) Send(pos types.Position) error {
	at := pos.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	packet, err := generatePacket(packetTemplate, pos.Lat, pos.Lon, at)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(packet); err != nil {
		return fmt.Errorf("position packet send failed: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// createLoginPacket generates the login packet: 2 byte length prefix + IMEI ASCII
func createLoginPacket(imei string) ([]byte, error) {
	if len(imei) != 15 {
		return nil, fmt.Errorf("IMEI must be 15 digits")
	}
	for _, r := range imei {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("IMEI must be 15 digits")
		}
	}

	packet := make([]byte, 2+15)
	binary.BigEndian.PutUint16(packet[0:2], 15)
	copy(packet[2:], imei)
	return packet, nil
}

func generatePacket(template string, lat, lon float64, at time.Time) ([]byte, error) {
	packet, err := hex.DecodeString(template)
	if err != nil {
		return nil, fmt.Errorf("failed to decode packet template: %w", err)
	}

	// timestamp, bytes 10-17
	binary.BigEndian.PutUint64(packet[10:18], uint64(at.UTC().UnixMilli()))

	// coordinates are int32 scaled by 1e7
	binary.BigEndian.PutUint32(packet[19:23], uint32(int32(math.Round(lon*1e7))))
	binary.BigEndian.PutUint32(packet[23:27], uint32(int32(math.Round(lat*1e7))))

	// CRC covers byte 8 up to the trailing 4 byte CRC field
	crc := crc16IBM(packet[8 : len(packet)-4])
	binary.BigEndian.PutUint32(packet[len(packet)-4:], uint32(crc))

	return packet, nil
}

// CRC-16/IBM, reflected polynomial 0xA001, initial value 0.
func crc16IBM(data []byte) uint16 {
	var crc uint16
	const polynomial = uint16(0xA001)

	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
