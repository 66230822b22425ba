package usbtmc

import (
	"fmt"

	"github.com/google/gousb"
)

const bufSize = 1024

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser, suitable
// as the connection behind a comm.Pool
type Device struct {
	tags   bTagGen
	term   byte
	ctx    *gousb.Context
	device *gousb.Device
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	lastIn byte
	rest   []byte
}

// Open claims the default interface of the device with the given vendor
// and product IDs.  Replies end on term.
func Open(vid, pid uint16, term byte) (*Device, error) {
	d := &Device{term: term, ctx: gousb.NewContext()}
	dev, err := d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if dev == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device %04x:%04x", vid, pid)
	}
	d.device = dev
	if err = dev.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	iface, closer, err := dev.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closer = closer
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && d.in == nil {
			d.in, err = iface.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && d.out == nil {
			d.out, err = iface.OutEndpoint(ep.Number)
		}
		if err != nil {
			d.Close()
			return nil, err
		}
	}
	if d.in == nil || d.out == nil {
		d.Close()
		return nil, fmt.Errorf("usbtmc: %04x:%04x has no bulk endpoint pair", vid, pid)
	}
	return d, nil
}

// Write sends b as one message
func (d *Device) Write(b []byte) (int, error) {
	if _, err := d.out.Write(encBulkOut(d.tags.next(), b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read returns message bytes, requesting a new bulk-in transfer when the
// previous one has been consumed
func (d *Device) Read(p []byte) (int, error) {
	if len(d.rest) == 0 {
		tag := d.tags.next()
		hdr := encBulkInRequest(tag, bufSize, &d.term)
		if _, err := d.out.Write(hdr[:]); err != nil {
			return 0, err
		}
		buf := make([]byte, bufSize+headerSize+alignment)
		n, err := d.in.Read(buf)
		if err != nil {
			return 0, err
		}
		d.rest, err = decBulkIn(tag, buf[:n])
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, d.rest)
	d.rest = d.rest[n:]
	return n, nil
}

// Close releases the interface, device, and USB context
func (d *Device) Close() error {
	var err error
	if d.closer != nil {
		d.closer()
		d.closer = nil
	}
	if d.device != nil {
		err = d.device.Close()
		d.device = nil
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
		d.ctx = nil
	}
	return err
}
