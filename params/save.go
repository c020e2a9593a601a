package params

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"oi-canmap/eeprom"
	"oi-canmap/utils"
)

const (
	// PageSize is the footprint of the parameter page in memory.
	PageSize = 2048

	pageEntrySize = 8

	// PageEntries is the number of parameter slots in a page.
	PageEntries   = (PageSize - 8) / pageEntrySize
	pageCRCOffset = PageEntries * pageEntrySize
)

// SaveParams writes every tunable parameter into the page at base and
// returns the page CRC. Entries are stored at their registry index as
// {u16 id, u8 pad, u8 flags, i32 fixed value}; unused entries stay erased.
func SaveParams(reg *Registry, mem eeprom.Memory, base int) (uint32, error) {
	if base < 0 || base+PageSize > mem.Size() {
		return 0, errors.Newf("parameter page at %d does not fit a %d byte memory", base, mem.Size())
	}

	page := make([]byte, PageSize)
	for i := range page {
		page[i] = eeprom.Erased
	}
	for idx := 0; idx < PageEntries && idx < reg.Len(); idx++ {
		num := Num(idx)
		if reg.GetType(num) != TypeParam {
			continue
		}
		e := page[idx*pageEntrySize : (idx+1)*pageEntrySize]
		binary.LittleEndian.PutUint16(e[0:2], reg.GetAttrib(num).ID)
		e[3] = byte(reg.GetFlag(num))
		binary.LittleEndian.PutUint32(e[4:8], uint32(reg.Get(num)))
	}
	crc := utils.CRC32(page[:pageCRCOffset])
	binary.LittleEndian.PutUint32(page[pageCRCOffset:], crc)

	eeprom.Write(mem, base, page)
	if err := eeprom.Flush(mem); err != nil {
		return crc, errors.Wrap(err, "flush parameter page")
	}
	return crc, nil
}

// LoadParams restores tunable parameters from the page at base by id. It
// returns the number of parameters restored. A page whose CRC does not match,
// including an erased one, returns ErrNoValidPage and changes nothing.
func LoadParams(reg *Registry, mem eeprom.Memory, base int) (int, error) {
	page := eeprom.Read(mem, base, PageSize)
	stored := binary.LittleEndian.Uint32(page[pageCRCOffset:])
	if utils.CRC32(page[:pageCRCOffset]) != stored {
		return 0, ErrNoValidPage
	}

	loaded := 0
	for idx := 0; idx < PageEntries; idx++ {
		e := page[idx*pageEntrySize : (idx+1)*pageEntrySize]
		id := binary.LittleEndian.Uint16(e[0:2])
		if id == 0xFFFF {
			continue
		}
		num := reg.NumFromID(id)
		if num == Invalid || reg.GetType(num) != TypeParam {
			continue
		}
		reg.SetFixed(num, Fixed(int32(binary.LittleEndian.Uint32(e[4:8]))))
		reg.SetFlagsRaw(num, Flag(e[3]))
		loaded++
	}
	return loaded, nil
}
