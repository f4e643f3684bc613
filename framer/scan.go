package framer

// Status is the result of scanning a buffer for one JSON value.
type Status int

const (
	// Complete means a whole value was found; n is the offset just past its end.
	Complete Status = iota
	// Incomplete means the buffer ends inside a value and more bytes are needed.
	Incomplete
	// Invalid means the buffer can never become a valid value; n is the offending offset.
	Invalid
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// MaxDepth bounds array/object nesting.
const MaxDepth = 10000

// Scan looks for one JSON value at the start of buf, after optional whitespace.
// It never consults a JSON library, so it is independent of any parser's error format.
//
// For Complete, n is the offset just past the value. For Invalid, n is the offset of the
// first byte that cannot be part of a valid value. For Incomplete, n is len(buf).
func Scan(buf []byte) (n int, status Status) {
	var s scanner
	return s.scan(buf, 0)
}

// step is what the scanner expects next.
type step uint8

const (
	stepValue        step = iota // a value, after optional whitespace
	stepArrayStart               // after '[': a value or ']'
	stepObjectStart              // after '{': a key or '}'
	stepKey                      // after ',' in an object
	stepColon                    // after a key
	stepAfterValue               // after a value inside a container: ',' or the closer
	stepString                   // inside a string
	stepEscape                   // after '\' in a string
	stepUnicode                  // inside \uXXXX
	stepLiteral                  // inside true, false or null
	stepNumMinus                 // after '-'
	stepNumZero                  // after a leading '0'
	stepNumInt                   // in the integer digits
	stepNumDot                   // after '.'
	stepNumFrac                  // in the fraction digits
	stepNumExp                   // after 'e' or 'E'
	stepNumExpSign               // after the exponent sign
	stepNumExpDigits             // in the exponent digits
)

// scanner is a resumable JSON value scanner. All of its position is held in fields, so a
// scan that ends Incomplete picks up at the next unseen byte once more data arrives.
// The zero value is ready to scan.
type scanner struct {
	step  step
	stack []byte // open containers, '{' or '['
	inKey bool
	lit   string
	pos   int // bytes of lit matched, or hex digits left in \uXXXX
}

func (s *scanner) reset() {
	s.step = stepValue
	s.stack = s.stack[:0]
	s.inKey = false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// endValue records that a value just ended and reports whether it was the top-level one.
func (s *scanner) endValue() bool {
	if len(s.stack) == 0 {
		return true
	}
	s.step = stepAfterValue
	return false
}

// closeContainer pops the innermost container and reports whether it was the top-level one.
func (s *scanner) closeContainer() bool {
	s.stack = s.stack[:len(s.stack)-1]
	return s.endValue()
}

// beginValue starts the value whose first byte is c. It reports false if c cannot start one.
func (s *scanner) beginValue(c byte) bool {
	switch {
	case c == '{' || c == '[':
		if len(s.stack) >= MaxDepth {
			return false
		}
		s.stack = append(s.stack, c)
		if c == '{' {
			s.step = stepObjectStart
		} else {
			s.step = stepArrayStart
		}
	case c == '"':
		s.step, s.inKey = stepString, false
	case c == '-':
		s.step = stepNumMinus
	case c == '0':
		s.step = stepNumZero
	case isDigit(c):
		s.step = stepNumInt
	case c == 't':
		s.step, s.lit, s.pos = stepLiteral, "true", 1
	case c == 'f':
		s.step, s.lit, s.pos = stepLiteral, "false", 1
	case c == 'n':
		s.step, s.lit, s.pos = stepLiteral, "null", 1
	default:
		return false
	}
	return true
}

// scan consumes buf from offset i on. Bytes before i must already have been scanned by s.
func (s *scanner) scan(buf []byte, i int) (int, Status) {
	for ; i < len(buf); i++ {
		c := buf[i]
		done := false
		switch s.step {
		case stepValue, stepArrayStart:
			switch {
			case isSpace(c):
			case c == ']' && s.step == stepArrayStart:
				done = s.closeContainer()
			case !s.beginValue(c):
				return i, Invalid
			}
		case stepObjectStart, stepKey:
			switch {
			case isSpace(c):
			case c == '}' && s.step == stepObjectStart:
				done = s.closeContainer()
			case c == '"':
				s.step, s.inKey = stepString, true
			default:
				return i, Invalid
			}
		case stepColon:
			switch {
			case isSpace(c):
			case c == ':':
				s.step = stepValue
			default:
				return i, Invalid
			}
		case stepAfterValue:
			top := s.stack[len(s.stack)-1]
			switch {
			case isSpace(c):
			case c == ',' && top == '{':
				s.step = stepKey
			case c == ',':
				s.step = stepValue
			case c == '}' && top == '{', c == ']' && top == '[':
				done = s.closeContainer()
			default:
				return i, Invalid
			}
		case stepString:
			// plain bytes are the bulk of most payloads
			for i < len(buf) && buf[i] != '"' && buf[i] != '\\' && buf[i] >= 0x20 {
				i++
			}
			if i == len(buf) {
				return i, Incomplete
			}
			switch c = buf[i]; {
			case c == '"' && s.inKey:
				s.step, s.inKey = stepColon, false
			case c == '"':
				done = s.endValue()
			case c == '\\':
				s.step = stepEscape
			default:
				return i, Invalid
			}
		case stepEscape:
			switch c {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
				s.step = stepString
			case 'u':
				s.step, s.pos = stepUnicode, 4
			default:
				return i, Invalid
			}
		case stepUnicode:
			if !isHex(c) {
				return i, Invalid
			}
			if s.pos--; s.pos == 0 {
				s.step = stepString
			}
		case stepLiteral:
			if c != s.lit[s.pos] {
				return i, Invalid
			}
			if s.pos++; s.pos == len(s.lit) {
				done = s.endValue()
			}
		case stepNumMinus:
			switch {
			case c == '0':
				s.step = stepNumZero
			case isDigit(c):
				s.step = stepNumInt
			default:
				return i, Invalid
			}
		case stepNumDot:
			if !isDigit(c) {
				return i, Invalid
			}
			s.step = stepNumFrac
		case stepNumExp:
			switch {
			case c == '+' || c == '-':
				s.step = stepNumExpSign
			case isDigit(c):
				s.step = stepNumExpDigits
			default:
				return i, Invalid
			}
		case stepNumExpSign:
			if !isDigit(c) {
				return i, Invalid
			}
			s.step = stepNumExpDigits
		default:
			// a number that may continue: stepNumZero, stepNumInt, stepNumFrac, stepNumExpDigits
			if s.numberContinues(c) {
				continue
			}
			// c is not part of the number. A number at the end of the buffer stays
			// Incomplete, since more digits may follow.
			if s.endValue() {
				return i, Complete
			}
			i--
		}
		if done {
			return i + 1, Complete
		}
	}
	return len(buf), Incomplete
}

// numberContinues advances a number that may already be complete and reports whether c
// belongs to it.
func (s *scanner) numberContinues(c byte) bool {
	switch {
	case isDigit(c):
		return s.step != stepNumZero
	case c == '.' && (s.step == stepNumZero || s.step == stepNumInt):
		s.step = stepNumDot
		return true
	case (c == 'e' || c == 'E') && s.step != stepNumExpDigits:
		s.step = stepNumExp
		return true
	}
	return false
}
