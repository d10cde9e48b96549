package vm

// ---------------------------------------------------------------------------
// Iteration protocol
// ---------------------------------------------------------------------------
//
// Iteration is modeled as a protocol producing a "next" operation yielding
// either a value or an end-of-sequence signal. Bounded producers (Vec, Map,
// Range, String, Bytes, Tuple) are finite; generator-backed iterators may
// be unbounded until explicitly exhausted.

// iterPayload is the state behind a KindIterator object. next returns the
// next element (owned by the caller) and true, or false at end of
// sequence. drop releases retained sources.
type iterPayload interface {
	next() (Value, bool, *Error)
	drop()
}

// newIteratorValue boxes an iterPayload.
func newIteratorValue(p iterPayload) Value {
	o := newObject(KindIterator)
	o.iter = p
	return Value{kind: KindIterator, obj: o}
}

// IteratorFromFunc builds an iterator value from a host-supplied next
// function; it underlies host registrations of the IntoIter protocol.
func IteratorFromFunc(next func() (Value, bool, error)) Value {
	return newIteratorValue(&funcIter{fn: next})
}

// intoIterator constructs an iterator over a built-in iterable, or routes
// through the IntoIter protocol for host types. The source value is
// borrowed; the iterator retains what it needs.
func intoIterator(ctx *Context, src Value) (Value, *Error) {
	switch src.kind {
	case KindVec, KindTuple:
		src.obj.retain()
		return newIteratorValue(&seqIter{src: src.obj}), nil
	case KindMap:
		// Snapshot so mutation during iteration cannot invalidate the walk.
		pairs := make([]Value, 0, len(src.obj.entries))
		for _, ent := range src.obj.entries {
			pairs = append(pairs, Tuple(ent.key.Clone(), ent.val.Clone()))
		}
		return newIteratorValue(&sliceIter{elems: pairs}), nil
	case KindRange:
		r := src.obj.rng
		end := r.end
		if r.inclusive {
			end++
		}
		return newIteratorValue(&rangeIter{cur: r.start, end: end}), nil
	case KindString:
		return newIteratorValue(&stringIter{runes: []rune(src.obj.str)}), nil
	case KindBytes:
		src.obj.retain()
		return newIteratorValue(&bytesIter{src: src.obj}), nil
	case KindGenerator:
		src.obj.retain()
		return newIteratorValue(&genIter{gen: src.obj}), nil
	case KindIterator:
		return src.Clone(), nil
	default:
		out, err := dispatchProtocol(ctx, ProtocolIntoIter, src)
		if err != nil {
			return Nil, err
		}
		if out.kind != KindIterator {
			defer out.Drop()
			return Nil, errTypeMismatch("IntoIter returned %s, want Iterator", out.kind)
		}
		return out, nil
	}
}

// seqIter walks a retained Vec or Tuple object in place.
type seqIter struct {
	src *Object
	idx int
}

func (it *seqIter) next() (Value, bool, *Error) {
	if it.idx >= len(it.src.elems) {
		return Nil, false, nil
	}
	v := it.src.elems[it.idx].Clone()
	it.idx++
	return v, true, nil
}

func (it *seqIter) drop() {
	it.src.release()
}

// sliceIter owns a snapshot of elements and drops the unconsumed tail.
type sliceIter struct {
	elems []Value
	idx   int
}

func (it *sliceIter) next() (Value, bool, *Error) {
	if it.idx >= len(it.elems) {
		return Nil, false, nil
	}
	v := it.elems[it.idx]
	it.elems[it.idx] = Nil
	it.idx++
	return v, true, nil
}

func (it *sliceIter) drop() {
	for ; it.idx < len(it.elems); it.idx++ {
		it.elems[it.idx].Drop()
	}
}

type rangeIter struct {
	cur int64
	end int64
}

func (it *rangeIter) next() (Value, bool, *Error) {
	if it.cur >= it.end {
		return Nil, false, nil
	}
	v := Int(it.cur)
	it.cur++
	return v, true, nil
}

func (it *rangeIter) drop() {}

type stringIter struct {
	runes []rune
	idx   int
}

func (it *stringIter) next() (Value, bool, *Error) {
	if it.idx >= len(it.runes) {
		return Nil, false, nil
	}
	v := Char(it.runes[it.idx])
	it.idx++
	return v, true, nil
}

func (it *stringIter) drop() {}

type bytesIter struct {
	src *Object
	idx int
}

func (it *bytesIter) next() (Value, bool, *Error) {
	if it.idx >= len(it.src.bytes) {
		return Nil, false, nil
	}
	v := ByteValue(it.src.bytes[it.idx])
	it.idx++
	return v, true, nil
}

func (it *bytesIter) drop() {
	it.src.release()
}

type funcIter struct {
	fn func() (Value, bool, error)
}

func (it *funcIter) next() (Value, bool, *Error) {
	v, more, err := it.fn()
	if err != nil {
		return Nil, false, asRuntimeError("IntoIter", err)
	}
	return v, more, nil
}

func (it *funcIter) drop() {}

// genIter pulls from a generator. The engine drives it directly from
// OpIterNext because a pull may suspend the pulling Vm (the generator can
// await host work between yields).
type genIter struct {
	gen *Object
}

func (it *genIter) next() (Value, bool, *Error) {
	// Reached only through host-side iteration helpers; the engine's
	// OpIterNext handles generator pulls itself so suspension can
	// propagate. Pulls that would suspend fail here.
	v, more, suspended, err := pullGenerator(it.gen, Nil, nil)
	if err != nil {
		return Nil, false, err
	}
	if suspended {
		return Nil, false, errInvariant("generator awaited host work outside an engine-driven pull")
	}
	return v, more, nil
}

func (it *genIter) drop() {
	it.gen.release()
}

// pullGenerator resumes a generator's execution until it yields, completes,
// faults, or suspends awaiting host work. Returns the yielded value (owned
// by the caller) with more=true while the generator can still produce;
// suspended=true means the generator is awaiting host work and the pull
// must be retried after the outer driver resumes it. A non-nil resumeErr
// is rethrown at the generator's await point instead of delivering resume.
func pullGenerator(gen *Object, resume Value, resumeErr *Error) (v Value, more, suspended bool, rerr *Error) {
	if err := gen.beginBorrow("generator"); err != nil {
		resume.Drop()
		return Nil, false, false, err
	}
	defer gen.endBorrow()

	p := gen.gen
	if p.done {
		resume.Drop()
		return Nil, false, false, nil
	}

	exec := p.exec
	var state State
	switch exec.State() {
	case StateIdle:
		resume.Drop()
		state = exec.run()
	case StateSuspended:
		state = exec.resume(resume, resumeErr)
	default:
		resume.Drop()
		return Nil, false, false, errInvariant("generator execution in state %s", exec.State())
	}

	switch state {
	case StateSuspended:
		if exec.suspendReason == SuspendYield {
			return exec.takeAwaited(), true, false, nil
		}
		// Awaiting host work: surface the suspension to the driver.
		return Nil, false, true, nil
	case StateCompleted:
		p.done = true
		return Nil, false, false, nil
	case StateFaulted:
		p.done = true
		return Nil, false, false, exec.fault
	default:
		return Nil, false, false, errInvariant("generator pull ended in state %s", state)
	}
}
