package dma

import "fmt"

// Request is a hardware request source selected by a channel's
// CH_MUX register. Zero disables the channel's request input.
type Request uint8

const (
	RequestDisabled Request = 0

	LPI2C0Rx Request = 11
	LPI2C0Tx Request = 12
	LPI2C1Rx Request = 13
	LPI2C1Tx Request = 14
	LPI2C2Rx Request = 15
	LPI2C2Tx Request = 16
	LPI2C3Rx Request = 17
	LPI2C3Tx Request = 18

	LPSPI0Rx Request = 19
	LPSPI0Tx Request = 20

	LPUART0Rx Request = 21
	LPUART0Tx Request = 22
	LPUART1Rx Request = 23
	LPUART1Tx Request = 24
	LPUART2Rx Request = 25
	LPUART2Tx Request = 26
	LPUART3Rx Request = 27
	LPUART3Tx Request = 28
	LPUART4Rx Request = 29
	LPUART4Tx Request = 30
	LPUART5Rx Request = 31
	LPUART5Tx Request = 32

	LPSPI1Rx Request = 33
	LPSPI1Tx Request = 34
)

var requestNames = []struct {
	name string
	req  Request
}{
	{"LPI2C0_RX", LPI2C0Rx}, {"LPI2C0_TX", LPI2C0Tx},
	{"LPI2C1_RX", LPI2C1Rx}, {"LPI2C1_TX", LPI2C1Tx},
	{"LPI2C2_RX", LPI2C2Rx}, {"LPI2C2_TX", LPI2C2Tx},
	{"LPI2C3_RX", LPI2C3Rx}, {"LPI2C3_TX", LPI2C3Tx},
	{"LPSPI0_RX", LPSPI0Rx}, {"LPSPI0_TX", LPSPI0Tx},
	{"LPSPI1_RX", LPSPI1Rx}, {"LPSPI1_TX", LPSPI1Tx},
	{"LPUART0_RX", LPUART0Rx}, {"LPUART0_TX", LPUART0Tx},
	{"LPUART1_RX", LPUART1Rx}, {"LPUART1_TX", LPUART1Tx},
	{"LPUART2_RX", LPUART2Rx}, {"LPUART2_TX", LPUART2Tx},
	{"LPUART3_RX", LPUART3Rx}, {"LPUART3_TX", LPUART3Tx},
	{"LPUART4_RX", LPUART4Rx}, {"LPUART4_TX", LPUART4Tx},
	{"LPUART5_RX", LPUART5Rx}, {"LPUART5_TX", LPUART5Tx},
}

// RequestByName looks up a request source by its reference
// manual name, such as "LPUART2_TX".
func RequestByName(name string) (Request, bool) {
	for _, r := range requestNames {
		if r.name == name {
			return r.req, true
		}
	}
	return 0, false
}

func (r Request) String() string {
	if r == RequestDisabled {
		return "disabled"
	}
	for _, n := range requestNames {
		if n.req == r {
			return n.name
		}
	}
	return fmt.Sprintf("request(%d)", uint8(r))
}
