package goble

import goble "github.com/go-ble/ble"

type writer struct {
	characteristic *goble.Characteristic
	client         goble.Client
}

func (w *writer) Write(buf []byte) (int, error) {
	if err := w.client.WriteCharacteristic(w.characteristic, buf, false); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (w *writer) MTU(rxMTU int) (txMTU int, err error) {
	return w.client.ExchangeMTU(rxMTU)
}
